package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Battlemetrics packet types.
const (
	PacketAck          = "ack"
	PacketError        = "error"
	PacketServerUpdate = "SERVER_UPDATE"
	PacketActivity     = "ACTIVITY"

	PacketAuth   = "auth"
	PacketFilter = "filter"
	PacketJoin   = "join"
	PacketPing   = "ping"
)

// Packet is a Battlemetrics realtime frame. I correlates a request with its
// ack or error; T is the packet type.
type Packet struct {
	I string          `json:"i"`
	T string          `json:"t"`
	P json.RawMessage `json:"p,omitempty"`
	C string          `json:"c,omitempty"`
}

// IsResponse reports whether the packet answers an earlier request.
func (p Packet) IsResponse() bool {
	return p.T == PacketAck || p.T == PacketError
}

// PacketCodec encodes and decodes Battlemetrics packets. Ids are time based
// UUIDs.
type PacketCodec struct{}

func (PacketCodec) NextID() string {
	id, err := uuid.NewUUID()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (PacketCodec) EncodeRequest(id, command string, payload any) ([]byte, error) {
	pkt := Packet{I: id, T: command}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal packet payload: %w", err)
		}
		pkt.P = raw
	}
	return json.Marshal(pkt)
}

// EncodeResponse acknowledges a server packet. Battlemetrics does not
// expect replies to the packets it pushes, so this only exists to satisfy
// the codec contract.
func (PacketCodec) EncodeResponse(id string, result any, failure error) ([]byte, error) {
	pkt := Packet{I: id, T: PacketAck}
	var (
		raw []byte
		err error
	)
	if failure != nil {
		pkt.T = PacketError
		raw, err = json.Marshal(map[string]string{"detail": failure.Error()})
	} else if result != nil {
		raw, err = json.Marshal(result)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal packet payload: %w", err)
	}
	pkt.P = raw
	return json.Marshal(pkt)
}

func (PacketCodec) Decode(data []byte) (Message, error) {
	var pkt Packet
	if err := json.Unmarshal(data, &pkt); err != nil {
		return Message{}, fmt.Errorf("protocol: failed to unmarshal packet: %w", err)
	}
	if pkt.I == "" || pkt.T == "" {
		return Message{}, fmt.Errorf("protocol: packet missing \"i\" or \"t\"")
	}

	msg := Message{
		ID:         pkt.I,
		Command:    pkt.T,
		IsResponse: pkt.IsResponse(),
		Failed:     pkt.T == PacketError,
		Payload:    pkt.P,
	}
	if msg.Failed {
		msg.Error = packetErrorText(pkt.P)
	}
	return msg, nil
}

// packetErrorText prefers the "detail" member and falls back to the raw
// payload.
func packetErrorText(raw json.RawMessage) string {
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Detail != "" {
		return body.Detail
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
