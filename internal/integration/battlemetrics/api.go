package battlemetrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/integration"
	"github.com/barricade/ban-sync/internal/rest"
)

// Scopes the API token needs. A bare scope such as "ban" grants every
// "ban:*" scope.
var (
	RequiredScopes = []string{"ban:create", "ban:edit", "ban:delete", "ban-list:create", "ban-list:read", "rcon:read"}
	OptionalScopes = []string{"trigger:read", "trigger:create"}
)

// ---------------------------------------------------------------------------
// JSON:API documents
// ---------------------------------------------------------------------------

type ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type relation struct {
	Data *ref `json:"data"`
}

type identifier struct {
	Type       string          `json:"type"`
	Identifier json.RawMessage `json:"identifier"`
	Manual     bool            `json:"manual,omitempty"`
}

// value returns the identifier as a string, whether it was sent as a
// string or a number.
func (i identifier) value() string {
	var s string
	if err := json.Unmarshal(i.Identifier, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(i.Identifier))
}

type banAttributes struct {
	AutoAddEnabled bool              `json:"autoAddEnabled"`
	Expires        *time.Time        `json:"expires"`
	Identifiers    []json.RawMessage `json:"identifiers"`
	NativeEnabled  *bool             `json:"nativeEnabled"`
	Reason         string            `json:"reason,omitempty"`
	Note           string            `json:"note,omitempty"`
}

type banResource struct {
	Type          string              `json:"type"`
	ID            string              `json:"id,omitempty"`
	Attributes    banAttributes       `json:"attributes"`
	Relationships map[string]relation `json:"relationships,omitempty"`
}

type banPage struct {
	Data  []banResource `json:"data"`
	Links struct {
		Next string `json:"next"`
	} `json:"links"`
}

// playerIdentifier finds the first identifier of a type we can ban by.
func playerIdentifier(raw []json.RawMessage) (id, kind string) {
	for _, r := range raw {
		var ident identifier
		if err := json.Unmarshal(r, &ident); err != nil {
			continue // plain identifier ids carry no type
		}
		switch ident.Type {
		case integration.PlayerIDSteam, integration.PlayerIDWindows:
			if v := ident.value(); v != "" {
				return v, ident.Type
			}
		}
	}
	return "", ""
}

func (r banResource) remote(now time.Time) integration.RemoteBan {
	playerID, kind := playerIdentifier(r.Attributes.Identifiers)
	player := r.Relationships["player"]
	return integration.RemoteBan{
		RemoteID:       r.ID,
		PlayerID:       playerID,
		IdentifierType: kind,
		Expired:        r.Attributes.Expires != nil && !r.Attributes.Expires.After(now),
		Linked:         player.Data != nil,
	}
}

// ---------------------------------------------------------------------------
// Bans
// ---------------------------------------------------------------------------

func (b *Backend) AddBan(ctx context.Context, cfg integration.Config, resp integration.Response) (string, error) {
	kind, err := integration.PlayerIDType(resp.PlayerID)
	if err != nil {
		return "", err
	}
	ident, _ := json.Marshal(resp.PlayerID)

	doc := map[string]any{"data": banResource{
		Type: "ban",
		Attributes: banAttributes{
			AutoAddEnabled: true,
			Identifiers: []json.RawMessage{mustJSON(identifier{
				Type: kind, Identifier: ident, Manual: true,
			})},
			Reason: Reason(resp),
			Note:   Note(resp),
		},
		Relationships: map[string]relation{
			"organization": {Data: &ref{Type: "organization", ID: cfg.OrganizationID}},
			"banList":      {Data: &ref{Type: "banList", ID: cfg.BanListID}},
		},
	}}

	var out struct {
		Data ref `json:"data"`
	}
	if err := b.api(cfg).Post(ctx, "/bans", doc, &out); err != nil {
		return "", fmt.Errorf("battlemetrics: add ban: %w", err)
	}
	if out.Data.ID == "" {
		return "", errors.New("battlemetrics: add ban: response without id")
	}
	return out.Data.ID, nil
}

// RemoveBan deletes the ban. A ban that is already gone is logged and
// ignored.
func (b *Backend) RemoveBan(ctx context.Context, cfg integration.Config, remoteID string) error {
	err := b.api(cfg).Delete(ctx, "/bans/"+url.PathEscape(remoteID))
	if rest.IsStatus(err, http.StatusNotFound) {
		b.logger.Warn("battlemetrics: ban not found", zap.String("remote_id", remoteID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("battlemetrics: remove ban: %w", err)
	}
	return nil
}

// ExpireBan sets the ban's expiry to now, keeping it on the list.
func (b *Backend) ExpireBan(ctx context.Context, cfg integration.Config, remoteID string) error {
	doc := map[string]any{"data": map[string]any{
		"type":       "ban",
		"id":         remoteID,
		"attributes": map[string]any{"expires": b.now().UTC().Format(time.RFC3339)},
	}}
	if err := b.api(cfg).Patch(ctx, "/bans/"+url.PathEscape(remoteID), doc, nil); err != nil {
		return fmt.Errorf("battlemetrics: expire ban: %w", err)
	}
	return nil
}

// FetchBans reads every page of the ban list.
func (b *Backend) FetchBans(ctx context.Context, cfg integration.Config) ([]integration.RemoteBan, error) {
	if cfg.BanListID == "" {
		return nil, nil
	}
	api := b.api(cfg)
	query := url.Values{
		"filter[banList]": {cfg.BanListID},
		"page[size]":      {"100"},
	}
	now := b.now()

	var (
		bans []integration.RemoteBan
		path = "/bans"
	)
	for path != "" {
		var page banPage
		if err := api.Get(ctx, path, query, &page); err != nil {
			return nil, fmt.Errorf("battlemetrics: fetch bans: %w", err)
		}
		for _, r := range page.Data {
			rb := r.remote(now)
			if rb.PlayerID == "" {
				b.logger.Warn("battlemetrics: ban without usable identifier", zap.String("remote_id", r.ID))
			}
			bans = append(bans, rb)
		}
		// links.next already carries the filters.
		path, query = page.Links.Next, nil
	}
	return bans, nil
}

// LinkProfiles matches each ban's identifier to a Battlemetrics player and
// attaches the player to the ban.
func (b *Backend) LinkProfiles(ctx context.Context, cfg integration.Config, bans []integration.RemoteBan) (int, error) {
	api := b.api(cfg)
	var (
		linked int
		errs   []error
	)
	for _, ban := range bans {
		if ban.IdentifierType == "" || ban.PlayerID == "" {
			continue
		}
		playerID, err := b.matchPlayer(ctx, api, ban.IdentifierType, ban.PlayerID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if playerID == "" {
			continue
		}

		doc := map[string]any{"data": map[string]any{
			"type": "ban",
			"id":   ban.RemoteID,
			"relationships": map[string]relation{
				"player": {Data: &ref{Type: "player", ID: playerID}},
			},
		}}
		if err := api.Patch(ctx, "/bans/"+url.PathEscape(ban.RemoteID), doc, nil); err != nil {
			errs = append(errs, fmt.Errorf("battlemetrics: link ban %s: %w", ban.RemoteID, err))
			continue
		}
		linked++
	}
	return linked, errors.Join(errs...)
}

func (b *Backend) matchPlayer(ctx context.Context, api *rest.Client, kind, id string) (string, error) {
	ident, _ := json.Marshal(id)
	doc := map[string]any{"data": []any{map[string]any{
		"type":       "identifier",
		"attributes": identifier{Type: kind, Identifier: ident},
	}}}
	var out struct {
		Data []struct {
			Relationships map[string]relation `json:"relationships"`
		} `json:"data"`
	}
	if err := api.Post(ctx, "/players/match", doc, &out); err != nil {
		return "", fmt.Errorf("battlemetrics: match player %s: %w", id, err)
	}
	for _, d := range out.Data {
		if p := d.Relationships["player"]; p.Data != nil {
			return p.Data.ID, nil
		}
	}
	return "", nil
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

func (b *Backend) Validate(ctx context.Context, cfg *integration.Config, community integration.Community) ([]string, error) {
	if cfg.CommunityID != 0 && cfg.CommunityID != community.ID {
		return nil, integration.Invalid("Communities do not match")
	}
	if cfg.OrganizationID == "" {
		return nil, integration.Invalid("Missing organization ID")
	}

	missing, err := b.validateScopes(ctx, *cfg)
	if err != nil {
		return nil, err
	}

	if cfg.BanListID == "" {
		id, err := b.createBanList(ctx, *cfg, community)
		if err != nil {
			return nil, &integration.ValidationError{Reason: "Failed to create ban list", Err: err}
		}
		cfg.BanListID = id
	} else if err := b.validateBanList(ctx, *cfg); err != nil {
		return nil, err
	}
	return missing, nil
}

// validateScopes fails on missing required scopes and returns the missing
// optional ones.
func (b *Backend) validateScopes(ctx context.Context, cfg integration.Config) ([]string, error) {
	var out struct {
		Active bool   `json:"active"`
		Scope  string `json:"scope"`
	}
	err := b.api(cfg).Post(ctx, b.opts.IntrospectURL, map[string]string{"token": cfg.APIKey}, &out)
	if err != nil {
		return nil, &integration.ValidationError{Reason: "Failed to retrieve API scopes", Err: err}
	}
	if !out.Active {
		return nil, integration.Invalid("Invalid API key")
	}

	granted := strings.Fields(out.Scope)
	missingRequired := missingScopes(granted, RequiredScopes)
	if len(missingRequired) > 0 {
		return nil, &integration.MissingPermissionsError{Missing: missingRequired}
	}
	return missingScopes(granted, OptionalScopes), nil
}

func missingScopes(granted, wanted []string) []string {
	var missing []string
	for _, w := range wanted {
		ok := false
		for _, g := range granted {
			if g == w || strings.HasPrefix(w, g+":") {
				ok = true
				break
			}
		}
		if !ok {
			missing = append(missing, w)
		}
	}
	sort.Strings(missing)
	return missing
}

func (b *Backend) createBanList(ctx context.Context, cfg integration.Config, community integration.Community) (string, error) {
	org := &ref{Type: "organization", ID: cfg.OrganizationID}
	doc := map[string]any{"data": map[string]any{
		"type": "banList",
		"attributes": map[string]any{
			"name":                  BanListName(community),
			"action":                "kick",
			"defaultIdentifiers":    []string{integration.PlayerIDSteam},
			"defaultReasons":        []string{},
			"defaultAutoAddEnabled": true,
		},
		"relationships": map[string]relation{
			"organization": {Data: org},
			"owner":        {Data: org},
		},
	}}

	var out struct {
		Data ref `json:"data"`
	}
	if err := b.api(cfg).Post(ctx, "/ban-lists", doc, &out); err != nil {
		return "", err
	}
	if out.Data.Type != "banList" || out.Data.ID == "" {
		return "", fmt.Errorf("battlemetrics: unexpected %q resource", out.Data.Type)
	}
	b.logger.Info("battlemetrics: created ban list", zap.String("ban_list_id", out.Data.ID))
	return out.Data.ID, nil
}

func (b *Backend) validateBanList(ctx context.Context, cfg integration.Config) error {
	var out struct {
		Data struct {
			ID            string              `json:"id"`
			Relationships map[string]relation `json:"relationships"`
		} `json:"data"`
	}
	err := b.api(cfg).Get(ctx, "/ban-lists/"+url.PathEscape(cfg.BanListID), url.Values{"include": {"owner"}}, &out)
	if err != nil {
		return &integration.ValidationError{Reason: "Failed to retrieve ban list", Err: err}
	}
	if out.Data.ID != cfg.BanListID {
		return integration.Invalid("Ban list UUID mismatch: asked for %s but got %s", cfg.BanListID, out.Data.ID)
	}
	owner := out.Data.Relationships["owner"]
	if owner.Data == nil || owner.Data.ID != cfg.OrganizationID {
		got := ""
		if owner.Data != nil {
			got = owner.Data.ID
		}
		return integration.Invalid("Organization ID mismatch: asked for %s but got %s", cfg.OrganizationID, got)
	}
	return nil
}

// BanListName names the ban list created for a community.
func BanListName(c integration.Community) string {
	return fmt.Sprintf("HLL Barricade - %s (ID: %d)", c.Name, c.ID)
}

// ---------------------------------------------------------------------------
// Servers
// ---------------------------------------------------------------------------

// fetchServerIDs lists the organization's HLL servers with RCON access.
func (b *Backend) fetchServerIDs(ctx context.Context, cfg integration.Config) ([]string, error) {
	var out struct {
		Data []ref `json:"data"`
	}
	query := url.Values{"filter[rcon]": {"1"}, "filter[game]": {"hll"}}
	if err := b.api(cfg).Get(ctx, "/servers", query, &out); err != nil {
		return nil, fmt.Errorf("battlemetrics: list servers: %w", err)
	}
	ids := make([]string, len(out.Data))
	for i, s := range out.Data {
		ids[i] = s.ID
	}
	return ids, nil
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
