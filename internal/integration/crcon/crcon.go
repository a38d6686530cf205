// Package crcon is the backend for Community RCON (CRCON) instances. Bans
// are records on a CRCON blacklist and are managed over its HTTP API.
package crcon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/integration"
	"github.com/barricade/ban-sync/internal/rest"
)

// MinMajorVersion is the oldest CRCON release with blacklist support.
const MinMajorVersion = 10

// AdminName is recorded as the author of every blacklist record.
const AdminName = "HLL Barricade"

// RequiredPermissions are needed unless the token owner is a superuser.
var RequiredPermissions = []string{
	"can_add_blacklist_records",
	"can_change_blacklist_records",
	"can_create_blacklists",
	"can_delete_blacklist_records",
	"can_view_blacklists",
}

var reVersion = regexp.MustCompile(`^v(\d+)\.(\d+)\.(\d+)`)

const pageSize = 100

// Backend talks to one CRCON instance per call; it holds no connection.
type Backend struct {
	rest   *rest.Client
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ integration.Backend      = (*Backend)(nil)
	_ integration.Reconcilable = (*Backend)(nil)
)

// New returns a backend whose requests go through client. The client's base
// URL is replaced by each integration's own.
func New(client *rest.Client, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	if client == nil {
		client = rest.New("", rest.DefaultConfig(), logger)
	}
	return &Backend{rest: client, logger: logger, now: time.Now}
}

func (b *Backend) Kind() integration.Kind { return integration.KindCRCON }

// envelope is the shape of every CRCON API response.
type envelope struct {
	Result json.RawMessage `json:"result"`
	Failed bool            `json:"failed"`
	Error  *string         `json:"error"`
}

// APIError is a response with failed set.
type APIError struct {
	Endpoint string
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crcon: %s failed: %s", e.Endpoint, e.Message)
}

func (b *Backend) api(cfg integration.Config) *rest.Client {
	return b.rest.WithBase(strings.TrimRight(cfg.APIURL, "/") + "/api").WithToken(cfg.APIKey)
}

// call runs one API request and decodes its result into out.
func (b *Backend) call(ctx context.Context, cfg integration.Config, method, endpoint string, query url.Values, body, out any) error {
	var env envelope
	if err := b.api(cfg).Do(ctx, method, endpoint, query, body, &env); err != nil {
		return err
	}
	if env.Failed {
		msg := "unknown error"
		if env.Error != nil && *env.Error != "" {
			msg = *env.Error
		}
		return &APIError{Endpoint: endpoint, Message: msg}
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("crcon: decode %s: %w", endpoint, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func (b *Backend) Validate(ctx context.Context, cfg *integration.Config, community integration.Community) ([]string, error) {
	if cfg.CommunityID != 0 && cfg.CommunityID != community.ID {
		return nil, integration.Invalid("Communities do not match")
	}
	if err := b.validateAccess(ctx, *cfg); err != nil {
		return nil, err
	}

	if cfg.BanListID == "" {
		id, err := b.createBlacklist(ctx, *cfg, community)
		if err != nil {
			return nil, &integration.ValidationError{Reason: "Failed to create blacklist", Err: err}
		}
		cfg.BanListID = id
		return nil, nil
	}
	return nil, b.validateBlacklist(ctx, *cfg)
}

func (b *Backend) validateAccess(ctx context.Context, cfg integration.Config) error {
	var version string
	if err := b.call(ctx, cfg, http.MethodGet, "get_version", nil, nil, &version); err != nil {
		return &integration.ValidationError{Reason: "Failed to connect", Err: err}
	}
	version = strings.TrimSpace(version)
	m := reVersion.FindStringSubmatch(version)
	if m == nil {
		return integration.Invalid("Unknown CRCON version %q", version)
	}
	if major, _ := strconv.Atoi(m[1]); major < MinMajorVersion {
		return integration.Invalid("Outdated CRCON version, v%d or above is required", MinMajorVersion)
	}

	var perms struct {
		IsSuperuser bool `json:"is_superuser"`
		Permissions []struct {
			Permission string `json:"permission"`
		} `json:"permissions"`
	}
	err := b.call(ctx, cfg, http.MethodGet, "get_own_user_permissions", nil, nil, &perms)
	if rest.IsStatus(err, http.StatusUnauthorized) {
		return integration.Invalid("Invalid API key")
	}
	if err != nil {
		return &integration.ValidationError{Reason: "Failed to connect", Err: err}
	}
	if perms.IsSuperuser {
		return nil
	}

	have := make(map[string]bool, len(perms.Permissions))
	for _, p := range perms.Permissions {
		have[p.Permission] = true
	}
	var missing []string
	for _, p := range RequiredPermissions {
		if !have[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &integration.MissingPermissionsError{Missing: missing}
	}
	return nil
}

// BlacklistName names the blacklist created for a community.
func BlacklistName(c integration.Community) string {
	return fmt.Sprintf("HLL Barricade - %s (ID: %d)", c.Name, c.ID)
}

func (b *Backend) createBlacklist(ctx context.Context, cfg integration.Config, community integration.Community) (string, error) {
	var out struct {
		ID json.Number `json:"id"`
	}
	body := map[string]any{"name": BlacklistName(community), "sync_method": "kick_only"}
	if err := b.call(ctx, cfg, http.MethodPost, "create_blacklist", nil, body, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", fmt.Errorf("crcon: create_blacklist returned no id")
	}
	b.logger.Info("crcon: created blacklist", zap.String("blacklist_id", out.ID.String()))
	return out.ID.String(), nil
}

// validateBlacklist lists blacklists rather than fetching the one, which
// would return all of its records.
func (b *Backend) validateBlacklist(ctx context.Context, cfg integration.Config) error {
	var lists []struct {
		ID json.Number `json:"id"`
	}
	if err := b.call(ctx, cfg, http.MethodGet, "get_blacklists", nil, nil, &lists); err != nil {
		return &integration.ValidationError{Reason: "Failed to retrieve blacklist", Err: err}
	}
	for _, l := range lists {
		if l.ID.String() == cfg.BanListID {
			return nil
		}
	}
	return integration.Invalid("Failed to retrieve blacklist")
}

// ---------------------------------------------------------------------------
// Bans
// ---------------------------------------------------------------------------

func (b *Backend) AddBan(ctx context.Context, cfg integration.Config, resp integration.Response) (string, error) {
	listID, err := recordID(cfg.BanListID)
	if err != nil {
		return "", fmt.Errorf("crcon: add ban: blacklist: %w", err)
	}
	var out struct {
		ID json.Number `json:"id"`
	}
	body := map[string]any{
		"blacklist_id": listID,
		"player_id":    resp.PlayerID,
		"reason":       integration.BanReason(resp),
		"expires_at":   nil,
		"admin_name":   AdminName,
	}
	if err := b.call(ctx, cfg, http.MethodPost, "add_blacklist_record", nil, body, &out); err != nil {
		return "", fmt.Errorf("crcon: add ban: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("crcon: add ban: response without id")
	}
	return out.ID.String(), nil
}

// RemoveBan deletes the record. A record that is already gone is logged and
// ignored.
func (b *Backend) RemoveBan(ctx context.Context, cfg integration.Config, remoteID string) error {
	id, err := recordID(remoteID)
	if err != nil {
		return fmt.Errorf("crcon: remove ban: %w", err)
	}
	err = b.call(ctx, cfg, http.MethodPost, "delete_blacklist_record", nil, map[string]any{"record_id": id}, nil)
	if rest.IsStatus(err, http.StatusNotFound) {
		b.logger.Warn("crcon: blacklist record not found", zap.String("remote_id", remoteID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("crcon: remove ban: %w", err)
	}
	return nil
}

// ExpireBan sets the record's expiry to now.
func (b *Backend) ExpireBan(ctx context.Context, cfg integration.Config, remoteID string) error {
	id, err := recordID(remoteID)
	if err != nil {
		return fmt.Errorf("crcon: expire ban: %w", err)
	}
	body := map[string]any{
		"record_id":  id,
		"expires_at": b.now().UTC().Format(time.RFC3339),
	}
	if err := b.call(ctx, cfg, http.MethodPost, "edit_blacklist_record", nil, body, nil); err != nil {
		return fmt.Errorf("crcon: expire ban: %w", err)
	}
	return nil
}

type record struct {
	ID       json.Number `json:"id"`
	PlayerID string      `json:"player_id"`
	IsActive bool        `json:"is_active"`
}

// FetchBans pages through every record of the blacklist, expired ones
// included, so that lifted bans can be told apart from deleted ones.
func (b *Backend) FetchBans(ctx context.Context, cfg integration.Config) ([]integration.RemoteBan, error) {
	if cfg.BanListID == "" {
		return nil, nil
	}
	var bans []integration.RemoteBan
	for page := 1; ; page++ {
		var out struct {
			Records []record `json:"records"`
			Total   int      `json:"total"`
		}
		query := url.Values{
			"blacklist_id":    {cfg.BanListID},
			"exclude_expired": {"0"},
			"page_size":       {strconv.Itoa(pageSize)},
			"page":            {strconv.Itoa(page)},
		}
		if err := b.call(ctx, cfg, http.MethodGet, "get_blacklist_records", query, nil, &out); err != nil {
			return nil, fmt.Errorf("crcon: fetch bans: %w", err)
		}
		for _, r := range out.Records {
			bans = append(bans, integration.RemoteBan{
				RemoteID: r.ID.String(),
				PlayerID: r.PlayerID,
				Expired:  !r.IsActive,
				// blacklist records are keyed by player id already
				Linked: true,
			})
		}
		if page*pageSize >= out.Total || len(out.Records) == 0 {
			return bans, nil
		}
	}
}

func recordID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid record id %q", s)
	}
	return id, nil
}
