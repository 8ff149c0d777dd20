package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ServiceType discriminates Service sub-packets (header byte 2) exchanged
// between a node and the registrar (§4.G).
type ServiceType uint8

const (
	ServiceHandshake             ServiceType = 1
	ServiceHandshakeResponse     ServiceType = 2
	ServiceSecretHandshake       ServiceType = 3
	ServiceRegistrationRequest   ServiceType = 4
	ServiceRegistrationResponse  ServiceType = 5
	ServicePollDeviceList        ServiceType = 6
	ServicePushDeviceList        ServiceType = 7
)

func (s ServiceType) String() string {
	switch s {
	case ServiceHandshake:
		return "handshake"
	case ServiceHandshakeResponse:
		return "handshake-response"
	case ServiceSecretHandshake:
		return "secret-handshake"
	case ServiceRegistrationRequest:
		return "registration-request"
	case ServiceRegistrationResponse:
		return "registration-response"
	case ServicePollDeviceList:
		return "poll-device-list"
	case ServicePushDeviceList:
		return "push-device-list"
	default:
		return fmt.Sprintf("service(%d)", uint8(s))
	}
}

// EncodeService builds a complete wire frame for a service sub-packet
// (handshake/registration/directory exchange), exchanged before a node has
// virtual addressing, so src/dst are left zero.
func EncodeService(svc ServiceType, payload []byte) []byte {
	h := NewHeader(ProtocolService, Protocol(svc))
	h.SetPayload(payload)
	return h.Bytes()
}

const (
	tagPublicKey       byte = 1
	tagServerFinger    byte = 2
	tagServerVersion   byte = 3
	tagSessionKey      byte = 4
	tagToken           byte = 5
	tagDeviceName      byte = 6
	tagDeviceID        byte = 7
	tagRequestedIP     byte = 8
	tagNatInfo         byte = 9
	tagVirtualIP       byte = 10
	tagVirtualGateway  byte = 11
	tagVirtualNetmask  byte = 12
	tagEpoch           byte = 13
	tagErrorCode       byte = 14
	tagErrorMessage    byte = 15
	tagDeviceList      byte = 16
	tagClientVersion   byte = 17
)

// HandshakeRequest opens the registration flow.
type HandshakeRequest struct {
	ClientVersion string
}

func (h HandshakeRequest) Marshal() []byte {
	e := &tlvEncoder{}
	e.putString(tagClientVersion, h.ClientVersion)
	return e.bytes()
}

func ParseHandshakeRequest(buf []byte) (HandshakeRequest, error) {
	f, err := decodeTLV(buf)
	if err != nil {
		return HandshakeRequest{}, err
	}
	return HandshakeRequest{ClientVersion: string(f[tagClientVersion])}, nil
}

// HandshakeResponse is sent by the registrar after Handshake; PublicKey is
// present only when server-side encryption is enabled.
type HandshakeResponse struct {
	PublicKey       []byte
	ServerFinger    []byte
	ServerVersion   string
}

func (h HandshakeResponse) Marshal() []byte {
	e := &tlvEncoder{}
	if len(h.PublicKey) > 0 {
		e.putBytes(tagPublicKey, h.PublicKey)
	}
	e.putBytes(tagServerFinger, h.ServerFinger)
	e.putString(tagServerVersion, h.ServerVersion)
	return e.bytes()
}

func ParseHandshakeResponse(buf []byte) (HandshakeResponse, error) {
	f, err := decodeTLV(buf)
	if err != nil {
		return HandshakeResponse{}, err
	}
	return HandshakeResponse{
		PublicKey:     f[tagPublicKey],
		ServerFinger:  f[tagServerFinger],
		ServerVersion: string(f[tagServerVersion]),
	}, nil
}

// SecretHandshake carries the client's RSA-OAEP-encrypted session key, sent
// only when HandshakeResponse.PublicKey was present (server-side
// encryption enabled).
type SecretHandshake struct {
	EncryptedSessionKey []byte
}

func (s SecretHandshake) Marshal() []byte {
	e := &tlvEncoder{}
	e.putBytes(tagSessionKey, s.EncryptedSessionKey)
	return e.bytes()
}

func ParseSecretHandshake(buf []byte) (SecretHandshake, error) {
	f, err := decodeTLV(buf)
	if err != nil {
		return SecretHandshake{}, err
	}
	return SecretHandshake{EncryptedSessionKey: f[tagSessionKey]}, nil
}

// RegistrationRequest is sent after any required SecretHandshake.
type RegistrationRequest struct {
	Token       string
	DeviceName  string
	DeviceID    string
	NatInfo     []byte // opaque encoded NatInfo, see nat package
	RequestedIP net.IP // optional
}

func (r RegistrationRequest) Marshal() []byte {
	e := &tlvEncoder{}
	e.putString(tagToken, r.Token)
	e.putString(tagDeviceName, r.DeviceName)
	e.putString(tagDeviceID, r.DeviceID)
	e.putBytes(tagNatInfo, r.NatInfo)
	if r.RequestedIP != nil {
		e.putBytes(tagRequestedIP, r.RequestedIP.To4())
	}
	return e.bytes()
}

func ParseRegistrationRequest(buf []byte) (RegistrationRequest, error) {
	f, err := decodeTLV(buf)
	if err != nil {
		return RegistrationRequest{}, err
	}
	var reqIP net.IP
	if ip, ok := f[tagRequestedIP]; ok && len(ip) == 4 {
		reqIP = net.IP(ip)
	}
	return RegistrationRequest{
		Token:       string(f[tagToken]),
		DeviceName:  string(f[tagDeviceName]),
		DeviceID:    string(f[tagDeviceID]),
		NatInfo:     f[tagNatInfo],
		RequestedIP: reqIP,
	}, nil
}

// RegistrationResponse carries the node's assigned virtual addressing and
// the directory epoch at registration time, or a fatal error code.
type RegistrationResponse struct {
	VirtualIP      net.IP
	VirtualGateway net.IP
	VirtualNetmask net.IP
	Epoch          uint16
	ErrorCode      uint8 // 0 == success
	ErrorMessage   string
}

func (r RegistrationResponse) Marshal() []byte {
	e := &tlvEncoder{}
	if r.ErrorCode != 0 {
		e.put(tagErrorCode, []byte{r.ErrorCode})
		e.putString(tagErrorMessage, r.ErrorMessage)
		return e.bytes()
	}
	e.putBytes(tagVirtualIP, r.VirtualIP.To4())
	e.putBytes(tagVirtualGateway, r.VirtualGateway.To4())
	e.putBytes(tagVirtualNetmask, r.VirtualNetmask.To4())
	e.putUint16(tagEpoch, r.Epoch)
	return e.bytes()
}

func ParseRegistrationResponse(buf []byte) (RegistrationResponse, error) {
	f, err := decodeTLV(buf)
	if err != nil {
		return RegistrationResponse{}, err
	}
	if code, ok := f[tagErrorCode]; ok && len(code) == 1 {
		return RegistrationResponse{ErrorCode: code[0], ErrorMessage: string(f[tagErrorMessage])}, nil
	}
	get4 := func(tag byte) net.IP {
		b := f[tag]
		if len(b) != 4 {
			return nil
		}
		ip := make(net.IP, 4)
		copy(ip, b)
		return ip
	}
	var epoch uint16
	if e, ok := f[tagEpoch]; ok && len(e) == 2 {
		epoch = binary.BigEndian.Uint16(e)
	}
	return RegistrationResponse{
		VirtualIP:      get4(tagVirtualIP),
		VirtualGateway: get4(tagVirtualGateway),
		VirtualNetmask: get4(tagVirtualNetmask),
		Epoch:          epoch,
	}, nil
}

// PollDeviceList carries no fields; it is a bare request for the current
// directory when the client observes an epoch mismatch.
type PollDeviceList struct{}

func (PollDeviceList) Marshal() []byte { return nil }

// DeviceListEntry mirrors directory.PeerDeviceInfo in wire form.
type DeviceListEntry struct {
	VirtualIP         net.IP
	Name              string
	Online            bool
	ClientSecret      bool
	ClientSecretHash  []byte
	IsWireGuard       bool
}

// PushDeviceList is the server's epoch-tagged directory snapshot.
type PushDeviceList struct {
	Epoch uint16
	Peers []DeviceListEntry
}

func (p PushDeviceList) Marshal() []byte {
	e := &tlvEncoder{}
	e.putUint16(tagEpoch, p.Epoch)
	var body []byte
	for _, peer := range p.Peers {
		pe := &tlvEncoder{}
		pe.putBytes(tagVirtualIP, peer.VirtualIP.To4())
		pe.putString(tagDeviceName, peer.Name)
		flags := byte(0)
		if peer.Online {
			flags |= 1
		}
		if peer.ClientSecret {
			flags |= 2
		}
		if peer.IsWireGuard {
			flags |= 4
		}
		pe.put(tagErrorCode, []byte{flags})
		pe.putBytes(tagSessionKey, peer.ClientSecretHash)
		entry := pe.bytes()
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(entry)))
		body = append(body, lenBuf...)
		body = append(body, entry...)
	}
	e.putBytes(tagDeviceList, body)
	return e.bytes()
}

func ParsePushDeviceList(buf []byte) (PushDeviceList, error) {
	f, err := decodeTLV(buf)
	if err != nil {
		return PushDeviceList{}, err
	}
	var epoch uint16
	if e, ok := f[tagEpoch]; ok && len(e) == 2 {
		epoch = binary.BigEndian.Uint16(e)
	}
	out := PushDeviceList{Epoch: epoch}
	body := f[tagDeviceList]
	for len(body) > 0 {
		if len(body) < 2 {
			return PushDeviceList{}, fmt.Errorf("wire: truncated device-list entry length")
		}
		n := int(binary.BigEndian.Uint16(body[0:2]))
		body = body[2:]
		if len(body) < n {
			return PushDeviceList{}, fmt.Errorf("wire: truncated device-list entry")
		}
		ef, err := decodeTLV(body[:n])
		if err != nil {
			return PushDeviceList{}, err
		}
		body = body[n:]
		var ip net.IP
		if b := ef[tagVirtualIP]; len(b) == 4 {
			ip = make(net.IP, 4)
			copy(ip, b)
		}
		flags := byte(0)
		if b := ef[tagErrorCode]; len(b) == 1 {
			flags = b[0]
		}
		out.Peers = append(out.Peers, DeviceListEntry{
			VirtualIP:        ip,
			Name:             string(ef[tagDeviceName]),
			Online:           flags&1 != 0,
			ClientSecret:     flags&2 != 0,
			IsWireGuard:      flags&4 != 0,
			ClientSecretHash: ef[tagSessionKey],
		})
	}
	return out, nil
}
