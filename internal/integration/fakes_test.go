package integration_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/barricade/ban-sync/internal/ban"
	"github.com/barricade/ban-sync/internal/integration"
)

// ---------------------------------------------------------------------------
// Backends
// ---------------------------------------------------------------------------

// fakeBackend places bans in memory. Players listed in fail are refused.
type fakeBackend struct {
	mu          sync.Mutex
	fail        map[string]bool
	attempts    []string
	removed     []string
	nextID      int
	validateErr error
	banListID   string
}

func newFakeBackend(fail ...string) *fakeBackend {
	b := &fakeBackend{fail: make(map[string]bool)}
	for _, id := range fail {
		b.fail[id] = true
	}
	return b
}

func (b *fakeBackend) Kind() integration.Kind { return integration.KindBattlemetrics }

func (b *fakeBackend) Validate(_ context.Context, cfg *integration.Config, _ integration.Community) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.validateErr != nil {
		return nil, b.validateErr
	}
	if cfg.BanListID == "" && b.banListID != "" {
		cfg.BanListID = b.banListID
	}
	return nil, nil
}

func (b *fakeBackend) AddBan(_ context.Context, _ integration.Config, resp integration.Response) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = append(b.attempts, resp.PlayerID)
	if b.fail[resp.PlayerID] {
		return "", errors.New("remote refused")
	}
	b.nextID++
	return "remote-" + resp.PlayerID, nil
}

func (b *fakeBackend) RemoveBan(_ context.Context, _ integration.Config, remoteID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removed = append(b.removed, remoteID)
	return nil
}

func (b *fakeBackend) attempted() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.attempts...)
}

// reconcilableBackend additionally serves a remote ban list.
type reconcilableBackend struct {
	*fakeBackend
	remote  []integration.RemoteBan
	expired []string
	linked  [][]integration.RemoteBan
}

func (b *reconcilableBackend) FetchBans(context.Context, integration.Config) ([]integration.RemoteBan, error) {
	return b.remote, nil
}

func (b *reconcilableBackend) ExpireBan(_ context.Context, _ integration.Config, remoteID string) error {
	b.expired = append(b.expired, remoteID)
	return nil
}

func (b *reconcilableBackend) LinkProfiles(_ context.Context, _ integration.Config, bans []integration.RemoteBan) (int, error) {
	b.linked = append(b.linked, bans)
	return len(bans), nil
}

// slowBackend serves an empty ban list after a delay and records how many
// fetches ran at once.
type slowBackend struct {
	*reconcilableBackend
	delay   time.Duration
	mu      sync.Mutex
	running int
	peak    int
}

func (b *slowBackend) FetchBans(ctx context.Context, cfg integration.Config) ([]integration.RemoteBan, error) {
	b.mu.Lock()
	b.running++
	if b.running > b.peak {
		b.peak = b.running
	}
	b.mu.Unlock()

	time.Sleep(b.delay)

	b.mu.Lock()
	b.running--
	b.mu.Unlock()
	return b.reconcilableBackend.FetchBans(ctx, cfg)
}

func (b *slowBackend) maxConcurrent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.peak
}

// batchBackend bans in batches. Each call consumes the next entry of
// rounds, which lists the players that call bans.
type batchBackend struct {
	*fakeBackend
	rounds [][]string
	calls  [][]string
}

func (b *batchBackend) AddBans(_ context.Context, _ integration.Config, resps []integration.Response) (map[string]string, error) {
	var asked []string
	for _, r := range resps {
		asked = append(asked, r.PlayerID)
	}
	b.calls = append(b.calls, asked)

	var ok []string
	if len(b.rounds) > 0 {
		ok, b.rounds = b.rounds[0], b.rounds[1:]
	}
	accept := make(map[string]bool, len(ok))
	for _, id := range ok {
		accept[id] = true
	}
	ids := make(map[string]string)
	for _, r := range resps {
		if accept[r.PlayerID] {
			ids[r.PlayerID] = "remote-" + r.PlayerID
		}
	}
	if len(ids) < len(resps) {
		return ids, integration.ErrPartialBatch
	}
	return ids, nil
}

func (b *batchBackend) RemoveBans(_ context.Context, _ integration.Config, remoteIDs []string) ([]string, error) {
	return remoteIDs, nil
}

// connectorBackend owns a pretend connection.
type connectorBackend struct {
	*fakeBackend
	mu         sync.Mutex
	started    bool
	starts     int
	onRejected func(error)
}

func (b *connectorBackend) Start(_ integration.Config, onRejected func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	b.starts++
	b.onRejected = onRejected
}

func (b *connectorBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
}

func (b *connectorBackend) Started() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

func (b *connectorBackend) State() string { return "connected" }

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// racingBans loses every insert to a ban recorded by someone else.
type racingBans struct {
	*ban.MemoryStore
}

func (racingBans) Create(context.Context, ban.PlayerBan) error {
	return ban.ErrExists
}

type fakeConfigs struct {
	mu      sync.Mutex
	nextID  int64
	configs map[int64]integration.Config
	fail    error
}

func newFakeConfigs() *fakeConfigs {
	return &fakeConfigs{configs: make(map[int64]integration.Config)}
}

func (s *fakeConfigs) CreateConfig(_ context.Context, cfg integration.Config) (integration.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return cfg, s.fail
	}
	s.nextID++
	cfg.ID = s.nextID
	s.configs[cfg.ID] = cfg
	return cfg, nil
}

func (s *fakeConfigs) UpdateConfig(_ context.Context, cfg integration.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.configs[cfg.ID] = cfg
	return nil
}

func (s *fakeConfigs) ListConfigs(context.Context) ([]integration.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []integration.Config
	for _, c := range s.configs {
		out = append(out, c)
	}
	return out, nil
}

func (s *fakeConfigs) GetCommunity(_ context.Context, id int64) (integration.Community, error) {
	return integration.Community{ID: id, Name: "Community", Tag: "[C]"}, nil
}

func (s *fakeConfigs) stored(id int64) integration.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[id]
}

func (s *fakeConfigs) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

type notification struct {
	CommunityID int64
	Severity    integration.Severity
	Title       string
}

type fakeNotifier struct {
	mu     sync.Mutex
	notes  []notification
	alerts [][]string
}

func (n *fakeNotifier) NotifyCommunity(_ context.Context, communityID int64, severity integration.Severity, title, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, notification{communityID, severity, title})
	return nil
}

func (n *fakeNotifier) AlertPlayersPossiblyDangerous(_ context.Context, _ int64, playerIDs []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, playerIDs)
	return nil
}

func (n *fakeNotifier) notifications() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.notes...)
}
