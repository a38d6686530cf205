package messaging

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/barricade/ban-sync/internal/integration"
)

// newTestNATS connects to the NATS server named by BANSYNC_TEST_NATS_URL
// (default nats://localhost:4222).
func newTestNATS(t *testing.T) *NATSClient {
	t.Helper()
	cfg := DefaultNATSConfig()
	cfg.URL = os.Getenv("BANSYNC_TEST_NATS_URL")
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	cfg.MaxReconnects = 0
	client, err := NewNATSClient(cfg, nil)
	if err != nil {
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "barricade.community.12.notify", notifySubject(12))
	assert.Equal(t, "barricade.community.12.alert", alertSubject(12))
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	n := LogNotifier{Logger: zap.New(core)}
	ctx := context.Background()

	require.NoError(t, n.NotifyCommunity(ctx, 3, integration.SeverityError, "Disabled", "bad key"))
	require.NoError(t, n.AlertPlayersPossiblyDangerous(ctx, 3, []string{"a", "b"}))

	entries := logs.All()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.EqualValues(t, 3, fields["community_id"])
	assert.Equal(t, "error", fields["severity"])
	assert.Equal(t, "Disabled", fields["title"])
	assert.Equal(t, []any{"a", "b"}, entries[1].ContextMap()["player_ids"])
}

func TestBridgePublishesNotifications(t *testing.T) {
	client := newTestNATS(t)
	got := make(chan *nats.Msg, 2)
	require.NoError(t, client.Subscribe("barricade.community.41.*", func(m *nats.Msg) { got <- m }))
	require.NoError(t, client.Flush())

	b := NewBridge(client, nil)
	ctx := context.Background()
	require.NoError(t, b.NotifyCommunity(ctx, 41, integration.SeverityWarning, "Title", "Body"))
	require.NoError(t, b.AlertPlayersPossiblyDangerous(ctx, 41, []string{"p1"}))

	for _, want := range []string{notifySubject(41), alertSubject(41)} {
		select {
		case m := <-got:
			assert.Equal(t, want, m.Subject)
			if m.Subject == alertSubject(41) {
				var a Alert
				require.NoError(t, json.Unmarshal(m.Data, &a))
				assert.Equal(t, []string{"p1"}, a.PlayerIDs)
			} else {
				var n Notification
				require.NoError(t, json.Unmarshal(m.Data, &n))
				assert.Equal(t, integration.SeverityWarning, n.Severity)
				assert.Equal(t, "Body", n.Message)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no message on %s", want)
		}
	}
}

type handler struct {
	created chan integration.Report
	edited  chan ReportEdited
	deleted chan ReportDeleted
}

func (h *handler) OnReportCreated(_ context.Context, r integration.Report) { h.created <- r }
func (h *handler) OnReportEdited(_ context.Context, ev ReportEdited)       { h.edited <- ev }
func (h *handler) OnReportDeleted(_ context.Context, ev ReportDeleted)     { h.deleted <- ev }

func TestBridgeDeliversReportEvents(t *testing.T) {
	client := newTestNATS(t)
	h := &handler{
		created: make(chan integration.Report, 1),
		edited:  make(chan ReportEdited, 1),
		deleted: make(chan ReportDeleted, 1),
	}
	require.NoError(t, NewBridge(client, nil).SubscribeReports(h))
	require.NoError(t, client.Flush())

	report, _ := json.Marshal(integration.Report{ID: 5, Players: []integration.ReportedPlayer{{PlayerID: "p"}}})
	require.NoError(t, client.Publish(SubjectReportCreated, report))
	require.NoError(t, client.Publish(SubjectReportCreated, []byte("{broken")))
	edited, _ := json.Marshal(ReportEdited{
		Report:            integration.Report{ID: 5, Players: []integration.ReportedPlayer{{PlayerID: "p"}}},
		PreviousPlayerIDs: []string{"p", "q"},
	})
	require.NoError(t, client.Publish(SubjectReportEdited, edited))
	deleted, _ := json.Marshal(ReportDeleted{ID: 5, PlayerIDs: []string{"p"}})
	require.NoError(t, client.Publish(SubjectReportDeleted, deleted))

	timeout := time.After(2 * time.Second)
	select {
	case r := <-h.created:
		assert.Equal(t, int64(5), r.ID)
	case <-timeout:
		t.Fatal("created event not delivered")
	}
	select {
	case ev := <-h.edited:
		assert.Equal(t, "p", ev.Report.Players[0].PlayerID)
		assert.Equal(t, []string{"p", "q"}, ev.PreviousPlayerIDs)
	case <-timeout:
		t.Fatal("edited event not delivered")
	}
	select {
	case ev := <-h.deleted:
		assert.Equal(t, []string{"p"}, ev.PlayerIDs)
	case <-timeout:
		t.Fatal("deleted event not delivered")
	}
}

type responses struct {
	banned   chan PlayerBanned
	unbanned chan PlayerUnbanned
}

func (r *responses) OnPlayerBanned(_ context.Context, ev PlayerBanned)     { r.banned <- ev }
func (r *responses) OnPlayerUnbanned(_ context.Context, ev PlayerUnbanned) { r.unbanned <- ev }

func TestBridgeDeliversResponseEvents(t *testing.T) {
	client := newTestNATS(t)
	h := &responses{
		banned:   make(chan PlayerBanned, 1),
		unbanned: make(chan PlayerUnbanned, 1),
	}
	require.NoError(t, NewBridge(client, nil).SubscribeResponses(h))
	require.NoError(t, client.Flush())

	banned, _ := json.Marshal(PlayerBanned{
		CommunityID: 3,
		Response: integration.Response{
			PlayerID:  "76561198000000001",
			Reasons:   []string{"Cheating"},
			Responder: integration.Community{ID: 3, Name: "Responder"},
		},
	})
	require.NoError(t, client.Publish(SubjectResponseBanned, []byte("{broken")))
	require.NoError(t, client.Publish(SubjectResponseBanned, banned))
	unbanned, _ := json.Marshal(PlayerUnbanned{CommunityID: 3, PlayerID: "76561198000000001"})
	require.NoError(t, client.Publish(SubjectResponseUnbanned, unbanned))

	timeout := time.After(2 * time.Second)
	select {
	case ev := <-h.banned:
		assert.Equal(t, int64(3), ev.CommunityID)
		assert.Equal(t, "76561198000000001", ev.Response.PlayerID)
		assert.Equal(t, []string{"Cheating"}, ev.Response.Reasons)
	case <-timeout:
		t.Fatal("banned event not delivered")
	}
	select {
	case ev := <-h.unbanned:
		assert.Equal(t, PlayerUnbanned{CommunityID: 3, PlayerID: "76561198000000001"}, ev)
	case <-timeout:
		t.Fatal("unbanned event not delivered")
	}
}
