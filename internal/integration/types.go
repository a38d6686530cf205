package integration

import (
	"strings"
	"time"
)

// Kind tags the backend variant of an integration.
type Kind string

const (
	KindCustom        Kind = "custom"
	KindBattlemetrics Kind = "battlemetrics"
	KindCRCON         Kind = "crcon"
)

func (k Kind) Valid() bool {
	switch k {
	case KindCustom, KindBattlemetrics, KindCRCON:
		return true
	}
	return false
}

// DisplayName is the name communities know the backend by.
func (k Kind) DisplayName() string {
	switch k {
	case KindCustom:
		return "Custom"
	case KindBattlemetrics:
		return "Battlemetrics"
	case KindCRCON:
		return "CRCON"
	}
	return string(k)
}

// Config is the persisted configuration of one integration. An ID of 0
// means the config has not been saved yet.
type Config struct {
	ID             int64
	CommunityID    int64
	Kind           Kind
	Enabled        bool
	APIKey         string
	APIURL         string
	BanListID      string // empty until created by Validate
	OrganizationID string // Battlemetrics only
}

// Saved reports whether the config has an id assigned by the store.
func (c Config) Saved() bool { return c.ID != 0 }

// Community is the owner of an integration, as far as ban texts and
// notifications need to know about it.
type Community struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Tag        string `json:"tag"`
	ContactURL string `json:"contact_url"`
}

// Response is a community's decision to ban a reported player.
type Response struct {
	PlayerID   string    `json:"player_id"`
	PlayerName string    `json:"player_name"`
	Reasons    []string  `json:"reasons"`
	Reporter   Community `json:"reporter"`             // community that filed the report
	Responder  Community `json:"responder"`            // community that decided to ban
	ReportURL  string    `json:"report_url,omitempty"` // link to the report message, may be empty
}

// ReasonList joins the report reasons for display.
func (r Response) ReasonList() string {
	return strings.Join(r.Reasons, ", ")
}

// ReportedPlayer is one player named in a report.
type ReportedPlayer struct {
	PlayerID   string `json:"player_id"`
	PlayerName string `json:"player_name"`
	RconURL    string `json:"bm_rcon_url,omitempty"`
}

// Report is a shared report as delivered by the report workflow.
type Report struct {
	ID             int64            `json:"id"`
	CreatedAt      time.Time        `json:"created_at"`
	Body           string           `json:"body"`
	Reasons        []string         `json:"reasons"`
	AttachmentURLs []string         `json:"attachment_urls,omitempty"`
	Players        []ReportedPlayer `json:"players"`
	Community      Community        `json:"community"`
	MessageURL     string           `json:"message_url,omitempty"`
}

// RemoteBan is one entry of a remote ban list, as seen during a single
// reconciliation pass.
type RemoteBan struct {
	RemoteID       string
	PlayerID       string // empty when the remote ban has no usable identifier
	IdentifierType string // backend-specific, used to link profiles
	Expired        bool
	Linked         bool
}

// Severity of a community notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// SyncResult counts what one reconciliation pass did.
type SyncResult struct {
	RemoteBans int
	LocalBans  int
	Removed    int // local records whose remote ban was gone
	Expired    int // local records whose remote ban had expired
	Foreign    int // unrecognized active remote bans that were expired
	Linked     int // remote bans linked to a player profile
}
