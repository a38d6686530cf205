// Package custom is the backend for community-run ban services reached over
// a websocket that speaks the envelope RPC protocol. The community's server
// bans and unbans in batches and asks us to scan joining players.
package custom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/integration"
	"github.com/barricade/ban-sync/internal/protocol"
	"github.com/barricade/ban-sync/internal/rpc"
	"github.com/barricade/ban-sync/internal/ws"
)

// BanListReason is the shared reason sent alongside every ban_players call.
const BanListReason = "Banned via shared HLL Barricade report."

// Options are shared by every custom backend of the process.
type Options struct {
	// Transport is the connection template; name, URL and token are taken
	// from the integration config.
	Transport ws.Config
	RPC       rpc.Config
	Alerter   *integration.Alerter
	Logger    *zap.Logger
}

// Backend is one integration's connection to a custom ban service.
type Backend struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	transport *ws.Transport
	client    *rpc.Client
}

var (
	_ integration.Backend        = (*Backend)(nil)
	_ integration.Connector      = (*Backend)(nil)
	_ integration.BatchBanner    = (*Backend)(nil)
	_ integration.ReportReceiver = (*Backend)(nil)
)

func New(opts Options) *Backend {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Backend{opts: opts, logger: opts.Logger}
}

func (b *Backend) Kind() integration.Kind { return integration.KindCustom }

// ---------------------------------------------------------------------------
// Connection
// ---------------------------------------------------------------------------

func (b *Backend) Start(cfg integration.Config, onRejected func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.transport != nil {
		return
	}

	tc := b.opts.Transport
	tc.Name = fmt.Sprintf("custom-%d", cfg.ID)
	tc.URL = cfg.APIURL
	tc.Token = cfg.APIKey
	logger := b.logger.With(zap.Int64("integration_id", cfg.ID))

	var client *rpc.Client
	tr := ws.NewTransport(tc, ws.Hooks{
		OnMessage:  func(ctx context.Context, data []byte) { client.HandleMessage(ctx, data) },
		OnRejected: onRejected,
	}, logger)
	client = rpc.NewClient(tr, protocol.NewEnvelopeCodec(), b.opts.RPC, logger)
	client.Register(protocol.CommandScanPlayers, b.scanPlayers(cfg.CommunityID))

	b.transport, b.client = tr, client
	tr.Start()
}

func (b *Backend) Stop() {
	b.mu.Lock()
	tr := b.transport
	b.transport, b.client = nil, nil
	b.mu.Unlock()

	if tr != nil {
		tr.Stop()
	}
}

func (b *Backend) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transport != nil && b.transport.IsStarted()
}

func (b *Backend) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.transport == nil {
		return ws.StateDisconnected.String()
	}
	return b.transport.State().String()
}

func (b *Backend) session() (*rpc.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil, ws.ErrConnectionStopped
	}
	return b.client, nil
}

func (b *Backend) execute(ctx context.Context, command string, payload any) (json.RawMessage, error) {
	client, err := b.session()
	if err != nil {
		return nil, fmt.Errorf("custom: %s: %w", command, err)
	}
	return client.Execute(ctx, command, payload)
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate only checks ownership; the remote has nothing to verify ahead
// of a connection.
func (b *Backend) Validate(_ context.Context, cfg *integration.Config, community integration.Community) ([]string, error) {
	if cfg.CommunityID != 0 && cfg.CommunityID != community.ID {
		return nil, integration.Invalid("Communities do not match")
	}
	return nil, nil
}

// ---------------------------------------------------------------------------
// Bans
// ---------------------------------------------------------------------------

func (b *Backend) AddBan(ctx context.Context, cfg integration.Config, resp integration.Response) (string, error) {
	ids, err := b.AddBans(ctx, cfg, []integration.Response{resp})
	if id, ok := ids[resp.PlayerID]; ok {
		return id, nil
	}
	if err == nil {
		err = errors.New("response is missing the ban id")
	}
	return "", err
}

func (b *Backend) RemoveBan(ctx context.Context, cfg integration.Config, remoteID string) error {
	lifted, err := b.RemoveBans(ctx, cfg, []string{remoteID})
	for _, id := range lifted {
		if id == remoteID {
			return nil
		}
	}
	if err == nil {
		err = fmt.Errorf("custom: ban %s was not lifted", remoteID)
	}
	return err
}

// AddBans sends one ban_players request for all responses.
func (b *Backend) AddBans(ctx context.Context, cfg integration.Config, resps []integration.Response) (map[string]string, error) {
	payload := protocol.BanPlayersPayload{
		PlayerIDs: make(map[string]*string, len(resps)),
		Config:    protocol.BanPlayersConfig{BanListID: banListID(cfg), Reason: BanListReason},
	}
	for _, r := range resps {
		reason := integration.BanReason(r)
		payload.PlayerIDs[r.PlayerID] = &reason
	}

	var result protocol.BanPlayersResult
	raw, err := b.execute(ctx, protocol.CommandBanPlayers, payload)
	if err != nil {
		var cmdErr *rpc.CommandError
		if !errors.As(err, &cmdErr) || cmdErr.Message != protocol.ErrTextBanPartial {
			return nil, err
		}
		if derr := cmdErr.Decode(&result); derr != nil {
			return nil, fmt.Errorf("custom: ban players: %w", derr)
		}
		return banIDs(result), fmt.Errorf("custom: ban players: %w: %s", integration.ErrPartialBatch, cmdErr.Message)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("custom: ban players: decode: %w", err)
	}
	return banIDs(result), nil
}

// RemoveBans sends one unban_players request for all remote ids.
func (b *Backend) RemoveBans(ctx context.Context, cfg integration.Config, remoteIDs []string) ([]string, error) {
	payload := protocol.UnbanPlayersPayload{
		BanIDs: remoteIDs,
		Config: protocol.UnbanPlayersConfig{BanListID: banListID(cfg)},
	}

	var result protocol.UnbanPlayersResult
	raw, err := b.execute(ctx, protocol.CommandUnbanPlayers, payload)
	if err != nil {
		var cmdErr *rpc.CommandError
		if !errors.As(err, &cmdErr) || cmdErr.Message != protocol.ErrTextUnbanPartial {
			return nil, err
		}
		if derr := cmdErr.Decode(&result); derr != nil {
			return nil, fmt.Errorf("custom: unban players: %w", derr)
		}
		return liftedIDs(result), fmt.Errorf("custom: unban players: %w: %s", integration.ErrPartialBatch, cmdErr.Message)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("custom: unban players: decode: %w", err)
	}
	return liftedIDs(result), nil
}

func banListID(cfg integration.Config) *string {
	if cfg.BanListID == "" {
		return nil
	}
	id := cfg.BanListID
	return &id
}

func banIDs(r protocol.BanPlayersResult) map[string]string {
	out := make(map[string]string, len(r.BanIDs))
	for player, id := range r.BanIDs {
		out[player] = string(id)
	}
	return out
}

func liftedIDs(r protocol.UnbanPlayersResult) []string {
	out := make([]string, len(r.BanIDs))
	for i, id := range r.BanIDs {
		out[i] = string(id)
	}
	return out
}

// ---------------------------------------------------------------------------
// Reports
// ---------------------------------------------------------------------------

func (b *Backend) OnReportCreated(ctx context.Context, _ integration.Config, report integration.Report) error {
	payload := protocol.NewReportPayload{
		CreatedAt:      report.CreatedAt,
		Body:           report.Body,
		Reasons:        report.Reasons,
		AttachmentURLs: report.AttachmentURLs,
		Players:        make([]protocol.NewReportPlayer, len(report.Players)),
	}
	if payload.AttachmentURLs == nil {
		payload.AttachmentURLs = []string{}
	}
	for i, p := range report.Players {
		player := protocol.NewReportPlayer{PlayerID: p.PlayerID, PlayerName: p.PlayerName}
		if p.RconURL != "" {
			url := p.RconURL
			player.BMRconURL = &url
		}
		payload.Players[i] = player
	}

	_, err := b.execute(ctx, protocol.CommandNewReport, payload)
	return err
}

// scanPlayers serves the server's request to check joining players.
func (b *Backend) scanPlayers(communityID int64) rpc.Handler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var payload protocol.ScanPlayersPayload
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, errors.New(protocol.ErrTextMissingPlayerIDs)
			}
		}
		if len(payload.PlayerIDs) == 0 {
			return nil, errors.New(protocol.ErrTextMissingPlayerIDs)
		}
		if b.opts.Alerter == nil {
			return nil, nil
		}
		return nil, b.opts.Alerter.ScanPlayers(ctx, communityID, payload.PlayerIDs)
	}
}
