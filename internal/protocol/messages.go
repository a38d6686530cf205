// Package protocol defines the wire formats spoken over an integration's
// websocket. Two dialects exist: the envelope used by custom community
// backends and the packet format of the Battlemetrics realtime API. Both
// decode into the same Message so that the rpc layer can correlate
// requests and responses without knowing which dialect is on the wire.
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Command constants
// ---------------------------------------------------------------------------

// Client -> Server commands of the custom backend protocol.
const (
	CommandBanPlayers   = "ban_players"
	CommandUnbanPlayers = "unban_players"
	CommandNewReport    = "new_report"
)

// Server -> Client commands of the custom backend protocol.
const (
	CommandScanPlayers = "scan_players"
)

// Error texts that carry meaning across the wire.
const (
	ErrTextBanPartial       = "Could not ban all players"
	ErrTextUnbanPartial     = "Could not unban all players"
	ErrTextNoSuchCommand    = "No such command"
	ErrTextMissingPlayerIDs = "Missing player_ids"
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Message is a decoded frame. Responses carry the correlation id of the
// request they answer; requests carry the id the reply must be sent to.
type Message struct {
	ID           string
	Command      string
	IsResponse   bool
	Failed       bool
	ExpectsReply bool
	// Error is the human readable failure text of a failed response.
	Error   string
	Payload json.RawMessage
}

// ---------------------------------------------------------------------------
// Custom backend envelope
// ---------------------------------------------------------------------------

// Request is a request frame. The server uses the same shape for the
// requests it initiates.
type Request struct {
	ID      int64  `json:"id"`
	Request string `json:"request"`
	Payload any    `json:"payload"`
}

// Response answers the request with the same id. Request is always null on
// the wire, which is how the two frame kinds are told apart.
type Response struct {
	ID       int64           `json:"id"`
	Request  *string         `json:"request"`
	Response json.RawMessage `json:"response"`
	Failed   bool            `json:"failed"`
}

// Envelope holds the discriminating fields of a frame plus the raw bytes
// for deferred parsing of the payload.
type Envelope struct {
	ID       int64
	Request  *string
	Payload  json.RawMessage
	Response json.RawMessage
	Failed   bool
	Raw      json.RawMessage
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and rejects frames without a "request" key, since that key
// is the only way to tell requests from responses.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial map[string]json.RawMessage
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	rawReq, ok := partial["request"]
	if !ok {
		return fmt.Errorf("protocol: missing \"request\" field")
	}
	rawID, ok := partial["id"]
	if !ok {
		return fmt.Errorf("protocol: missing \"id\" field")
	}
	if err := json.Unmarshal(rawID, &e.ID); err != nil {
		return fmt.Errorf("protocol: invalid \"id\" field: %w", err)
	}
	if err := json.Unmarshal(rawReq, &e.Request); err != nil {
		return fmt.Errorf("protocol: invalid \"request\" field: %w", err)
	}
	if e.Request != nil && *e.Request == "" {
		return fmt.Errorf("protocol: empty \"request\" field")
	}
	e.Payload = partial["payload"]
	e.Response = partial["response"]
	if raw, ok := partial["failed"]; ok {
		if err := json.Unmarshal(raw, &e.Failed); err != nil {
			return fmt.Errorf("protocol: invalid \"failed\" field: %w", err)
		}
	}
	return nil
}

// EnvelopeCodec encodes and decodes custom backend frames. Correlation ids
// are integers counting up from zero for the lifetime of the codec.
type EnvelopeCodec struct {
	counter atomic.Int64
}

// NewEnvelopeCodec returns a codec whose first id is 0.
func NewEnvelopeCodec() *EnvelopeCodec {
	return &EnvelopeCodec{}
}

func (c *EnvelopeCodec) NextID() string {
	return strconv.FormatInt(c.counter.Add(1)-1, 10)
}

func (c *EnvelopeCodec) EncodeRequest(id, command string, payload any) ([]byte, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("protocol: invalid request id %q: %w", id, err)
	}
	return json.Marshal(Request{ID: n, Request: command, Payload: payload})
}

// EncodeResponse builds the reply to a server request. A non-nil failure
// is sent as {"error": <text>} with failed set.
func (c *EnvelopeCodec) EncodeResponse(id string, result any, failure error) ([]byte, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("protocol: invalid response id %q: %w", id, err)
	}

	resp := Response{ID: n}
	if failure != nil {
		resp.Failed = true
		resp.Response, err = json.Marshal(map[string]string{"error": failure.Error()})
	} else {
		resp.Response, err = json.Marshal(result)
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal response: %w", err)
	}
	return json.Marshal(resp)
}

func (c *EnvelopeCodec) Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, err
	}

	id := strconv.FormatInt(env.ID, 10)
	if env.Request != nil {
		return Message{
			ID:           id,
			Command:      *env.Request,
			ExpectsReply: true,
			Payload:      env.Payload,
		}, nil
	}

	msg := Message{
		ID:         id,
		IsResponse: true,
		Failed:     env.Failed,
		Payload:    env.Response,
	}
	if env.Failed {
		msg.Error = ErrorText(env.Response)
	}
	return msg, nil
}

// ErrorText extracts the "error" member of a failed custom response.
func ErrorText(raw json.RawMessage) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Error
}

// ---------------------------------------------------------------------------
// Command payloads
// ---------------------------------------------------------------------------

// RemoteID is a remote ban identifier. Backends send them as either JSON
// numbers or strings; both decode to the same string form.
type RemoteID string

func (r *RemoteID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = RemoteID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("protocol: remote id is neither string nor number: %s", data)
	}
	*r = RemoteID(n.String())
	return nil
}

// BanPlayersConfig is shared by every player in one ban_players call.
type BanPlayersConfig struct {
	BanListID *string `json:"banlist_id"`
	Reason    string  `json:"reason"`
}

// BanPlayersPayload maps each player id to its ban reason.
type BanPlayersPayload struct {
	PlayerIDs map[string]*string `json:"player_ids"`
	Config    BanPlayersConfig   `json:"config"`
}

// BanPlayersResult maps each banned player id to its remote ban id. A
// partially failed call returns the same shape alongside its error text.
type BanPlayersResult struct {
	BanIDs map[string]RemoteID `json:"ban_ids"`
}

type UnbanPlayersConfig struct {
	BanListID *string `json:"banlist_id"`
}

type UnbanPlayersPayload struct {
	BanIDs []string           `json:"ban_ids"`
	Config UnbanPlayersConfig `json:"config"`
}

// UnbanPlayersResult lists the remote ban ids that were lifted.
type UnbanPlayersResult struct {
	BanIDs []RemoteID `json:"ban_ids"`
}

type NewReportPlayer struct {
	PlayerID   string  `json:"player_id"`
	PlayerName string  `json:"player_name"`
	BMRconURL  *string `json:"bm_rcon_url"`
}

type NewReportPayload struct {
	CreatedAt      time.Time         `json:"created_at"`
	Body           string            `json:"body"`
	Reasons        []string          `json:"reasons"`
	AttachmentURLs []string          `json:"attachment_urls"`
	Players        []NewReportPlayer `json:"players"`
}

type ScanPlayersPayload struct {
	PlayerIDs []string `json:"player_ids"`
}
