package custom

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barricade/ban-sync/internal/integration"
	"github.com/barricade/ban-sync/internal/protocol"
	"github.com/barricade/ban-sync/internal/report"
	"github.com/barricade/ban-sync/internal/rpc"
	bsws "github.com/barricade/ban-sync/internal/ws"
)

// remote is a fake community ban service. reply decides the response to
// every request the backend sends.
type remote struct {
	t     *testing.T
	srv   *httptest.Server
	reply func(req map[string]json.RawMessage) any

	mu       sync.Mutex
	conn     net.Conn
	requests []map[string]json.RawMessage
	frames   chan map[string]json.RawMessage
}

func newRemote(t *testing.T, reply func(req map[string]json.RawMessage) any) *remote {
	t.Helper()
	r := &remote{t: t, reply: reply, frames: make(chan map[string]json.RawMessage, 16)}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		conn, _, _, err := ws.UpgradeHTTP(req, w)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		go r.serve(conn)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *remote) serve(conn net.Conn) {
	defer conn.Close()
	for {
		data, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		var frame map[string]json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil {
			return
		}
		r.mu.Lock()
		r.requests = append(r.requests, frame)
		r.mu.Unlock()

		if string(frame["request"]) == "null" {
			r.frames <- frame
			continue
		}
		if r.reply == nil {
			continue
		}
		out, _ := json.Marshal(r.reply(frame))
		r.send(out)
	}
}

func (r *remote) send(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = wsutil.WriteServerMessage(r.conn, ws.OpText, data)
	}
}

func (r *remote) requestsOf(command string) []map[string]json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]json.RawMessage
	for _, req := range r.requests {
		if string(req["request"]) == `"`+command+`"` {
			out = append(out, req)
		}
	}
	return out
}

func ok(req map[string]json.RawMessage, body any) map[string]any {
	return map[string]any{"id": json.RawMessage(req["id"]), "request": nil, "response": body, "failed": false}
}

func failed(req map[string]json.RawMessage, body any) map[string]any {
	return map[string]any{"id": json.RawMessage(req["id"]), "request": nil, "response": body, "failed": true}
}

type alerts struct {
	mu   sync.Mutex
	sent map[int64][]string
}

func (a *alerts) NotifyCommunity(context.Context, int64, integration.Severity, string, string) error {
	return nil
}

func (a *alerts) AlertPlayersPossiblyDangerous(_ context.Context, communityID int64, ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sent == nil {
		a.sent = map[int64][]string{}
	}
	a.sent[communityID] = append(a.sent[communityID], ids...)
	return nil
}

func (a *alerts) of(communityID int64) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sent[communityID]
}

func startBackend(t *testing.T, url string, alerter *integration.Alerter, onRejected func(error)) (*Backend, integration.Config) {
	t.Helper()
	tc := bsws.DefaultConfig("", "", "")
	tc.DialTimeout = time.Second
	tc.Backoff = bsws.BackoffConfig{Jitter: time.Millisecond, Floor: 10 * time.Millisecond, Ceiling: 50 * time.Millisecond, Multiplier: 2}

	b := New(Options{
		Transport: tc,
		RPC: rpc.Config{
			ResponseTimeout:     300 * time.Millisecond,
			RetryTimeout:        200 * time.Millisecond,
			ConnectTimeout:      2 * time.Second,
			ReplyConnectTimeout: time.Second,
		},
		Alerter: alerter,
	})
	cfg := integration.Config{ID: 3, CommunityID: 9, Kind: integration.KindCustom, Enabled: true, APIURL: url, APIKey: "secret"}
	if onRejected == nil {
		onRejected = func(error) {}
	}
	b.Start(cfg, onRejected)
	t.Cleanup(b.Stop)
	return b, cfg
}

func response(playerID string) integration.Response {
	return integration.Response{
		PlayerID:  playerID,
		Reasons:   []string{"Teamkilling"},
		Reporter:  integration.Community{Name: "Alpha", ContactURL: "https://alpha"},
		Responder: integration.Community{Name: "Bravo", ContactURL: "https://bravo"},
	}
}

func TestAddBansSendsOneRequest(t *testing.T) {
	r := newRemote(t, func(req map[string]json.RawMessage) any {
		return ok(req, map[string]any{"ban_ids": map[string]any{"p1": 11, "p2": "b-12"}})
	})
	b, cfg := startBackend(t, r.srv.URL, nil, nil)
	cfg.BanListID = "list"

	ids, err := b.AddBans(context.Background(), cfg, []integration.Response{response("p1"), response("p2")})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"p1": "11", "p2": "b-12"}, ids)

	reqs := r.requestsOf(protocol.CommandBanPlayers)
	require.Len(t, reqs, 1)
	var payload protocol.BanPlayersPayload
	require.NoError(t, json.Unmarshal(reqs[0]["payload"], &payload))
	assert.Equal(t, BanListReason, payload.Config.Reason)
	require.NotNil(t, payload.Config.BanListID)
	assert.Equal(t, "list", *payload.Config.BanListID)
	require.NotNil(t, payload.PlayerIDs["p1"])
	assert.Contains(t, *payload.PlayerIDs["p1"], "Teamkilling")
}

func TestAddBansReportsPartialFailure(t *testing.T) {
	r := newRemote(t, func(req map[string]json.RawMessage) any {
		return failed(req, map[string]any{
			"error":   protocol.ErrTextBanPartial,
			"ban_ids": map[string]any{"p1": 1},
		})
	})
	b, cfg := startBackend(t, r.srv.URL, nil, nil)

	ids, err := b.AddBans(context.Background(), cfg, []integration.Response{response("p1"), response("p2")})
	require.ErrorIs(t, err, integration.ErrPartialBatch)
	assert.Equal(t, map[string]string{"p1": "1"}, ids)

	_, err = b.AddBan(context.Background(), cfg, response("p2"))
	require.Error(t, err)
}

func TestRemoveBansOtherFailureIsCommandError(t *testing.T) {
	r := newRemote(t, func(req map[string]json.RawMessage) any {
		return failed(req, map[string]any{"error": "database down"})
	})
	b, cfg := startBackend(t, r.srv.URL, nil, nil)

	lifted, err := b.RemoveBans(context.Background(), cfg, []string{"1", "2"})
	assert.Empty(t, lifted)
	var cmdErr *rpc.CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "database down", cmdErr.Message)
	assert.False(t, errors.Is(err, integration.ErrPartialBatch))
}

func TestRemoveBan(t *testing.T) {
	r := newRemote(t, func(req map[string]json.RawMessage) any {
		var p protocol.UnbanPlayersPayload
		_ = json.Unmarshal(req["payload"], &p)
		return ok(req, map[string]any{"ban_ids": p.BanIDs})
	})
	b, cfg := startBackend(t, r.srv.URL, nil, nil)
	require.NoError(t, b.RemoveBan(context.Background(), cfg, "42"))
}

func TestScanPlayersAlertsReportedPlayers(t *testing.T) {
	r := newRemote(t, nil)
	notes := &alerts{}
	alerter := &integration.Alerter{Reports: report.NewMemoryStore("p2"), Notifier: notes}
	b, _ := startBackend(t, r.srv.URL, alerter, nil)
	require.Eventually(t, func() bool { return b.State() == "connected" }, 2*time.Second, 10*time.Millisecond)

	r.send([]byte(`{"id":0,"request":"scan_players","payload":{"player_ids":["p1","p2"]}}`))

	select {
	case reply := <-r.frames:
		assert.JSONEq(t, "0", string(reply["id"]))
		assert.JSONEq(t, "false", string(reply["failed"]))
	case <-time.After(2 * time.Second):
		t.Fatal("no reply to scan_players")
	}
	assert.Equal(t, []string{"p2"}, notes.of(9))

	r.send([]byte(`{"id":1,"request":"scan_players","payload":{}}`))
	select {
	case reply := <-r.frames:
		assert.JSONEq(t, "true", string(reply["failed"]))
		assert.Equal(t, protocol.ErrTextMissingPlayerIDs, protocol.ErrorText(reply["response"]))
	case <-time.After(2 * time.Second):
		t.Fatal("no reply to scan_players")
	}
}

func TestNewReportPush(t *testing.T) {
	r := newRemote(t, func(req map[string]json.RawMessage) any { return ok(req, nil) })
	b, cfg := startBackend(t, r.srv.URL, nil, nil)

	err := b.OnReportCreated(context.Background(), cfg, integration.Report{
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Body:      "griefing",
		Reasons:   []string{"Griefing"},
		Players:   []integration.ReportedPlayer{{PlayerID: "p1", PlayerName: "Bob"}},
	})
	require.NoError(t, err)

	reqs := r.requestsOf(protocol.CommandNewReport)
	require.Len(t, reqs, 1)
	var payload protocol.NewReportPayload
	require.NoError(t, json.Unmarshal(reqs[0]["payload"], &payload))
	assert.Equal(t, "griefing", payload.Body)
	assert.Equal(t, []string{}, payload.AttachmentURLs)
	require.Len(t, payload.Players, 1)
	assert.Nil(t, payload.Players[0].BMRconURL)
}

func TestRejectedCredentials(t *testing.T) {
	r := newRemote(t, nil)
	rejected := make(chan error, 1)
	b := New(Options{Transport: bsws.DefaultConfig("", "", ""), RPC: rpc.DefaultConfig()})
	b.Start(integration.Config{ID: 1, APIURL: r.srv.URL, APIKey: "wrong"}, func(err error) { rejected <- err })
	defer b.Stop()

	select {
	case err := <-rejected:
		assert.True(t, bsws.IsRejected(err))
	case <-time.After(3 * time.Second):
		t.Fatal("rejection not reported")
	}
	assert.True(t, b.Started())
	assert.Equal(t, "rejected", b.State())

	b.Stop()
	assert.False(t, b.Started())
	_, err := b.AddBans(context.Background(), integration.Config{}, nil)
	require.ErrorIs(t, err, bsws.ErrConnectionStopped)
}
