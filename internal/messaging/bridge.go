package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/barricade/ban-sync/internal/integration"
)

// Notification is published on barricade.community.<id>.notify.
type Notification struct {
	CommunityID int64                `json:"community_id"`
	Severity    integration.Severity `json:"severity"`
	Title       string               `json:"title"`
	Message     string               `json:"message"`
	SentAt      time.Time            `json:"sent_at"`
}

// Alert is published on barricade.community.<id>.alert.
type Alert struct {
	CommunityID int64     `json:"community_id"`
	PlayerIDs   []string  `json:"player_ids"`
	SentAt      time.Time `json:"sent_at"`
}

// ReportEdited is the payload of barricade.report.edited. PreviousPlayerIDs
// are the players the report named before the edit.
type ReportEdited struct {
	Report            integration.Report `json:"report"`
	PreviousPlayerIDs []string           `json:"previous_player_ids"`
}

// ReportDeleted is the payload of barricade.report.deleted.
type ReportDeleted struct {
	ID        int64    `json:"id"`
	PlayerIDs []string `json:"player_ids"`
}

// PlayerBanned is the payload of barricade.response.banned: a community
// decided to ban a reported player.
type PlayerBanned struct {
	CommunityID int64                `json:"community_id"`
	Response    integration.Response `json:"response"`
}

// PlayerUnbanned is the payload of barricade.response.unbanned: a community
// withdrew its decision to ban a player.
type PlayerUnbanned struct {
	CommunityID int64  `json:"community_id"`
	PlayerID    string `json:"player_id"`
}

// ReportHandler reacts to report events.
type ReportHandler interface {
	OnReportCreated(ctx context.Context, report integration.Report)
	OnReportEdited(ctx context.Context, ev ReportEdited)
	OnReportDeleted(ctx context.Context, ev ReportDeleted)
}

// ResponseHandler reacts to community ban decisions.
type ResponseHandler interface {
	OnPlayerBanned(ctx context.Context, ev PlayerBanned)
	OnPlayerUnbanned(ctx context.Context, ev PlayerUnbanned)
}

// Bridge is the NATS side of integration.Notifier, and feeds report events
// to a ReportHandler.
type Bridge struct {
	client         *NATSClient
	handlerTimeout time.Duration
	logger         *zap.Logger
}

var _ integration.Notifier = (*Bridge)(nil)

func NewBridge(client *NATSClient, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{client: client, handlerTimeout: time.Minute, logger: logger}
}

func (b *Bridge) NotifyCommunity(_ context.Context, communityID int64, severity integration.Severity, title, message string) error {
	return b.publish(notifySubject(communityID), Notification{
		CommunityID: communityID,
		Severity:    severity,
		Title:       title,
		Message:     message,
		SentAt:      time.Now().UTC(),
	})
}

func (b *Bridge) AlertPlayersPossiblyDangerous(_ context.Context, communityID int64, playerIDs []string) error {
	return b.publish(alertSubject(communityID), Alert{
		CommunityID: communityID,
		PlayerIDs:   playerIDs,
		SentAt:      time.Now().UTC(),
	})
}

func (b *Bridge) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("messaging: encode %s: %w", subject, err)
	}
	if err := b.client.Publish(subject, data); err != nil {
		return fmt.Errorf("messaging: publish %s: %w", subject, err)
	}
	return nil
}

// subscribe decodes every message on subject into T and hands it to fn
// with its own timeout. Undecodable messages are logged and dropped.
func subscribe[T any](b *Bridge, subject string, fn func(context.Context, T)) error {
	return b.client.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			b.logger.Warn("messaging: bad event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.handlerTimeout)
		defer cancel()
		fn(ctx, v)
	})
}

// SubscribeReports delivers report events to h. Each event is handled in
// the subscription's goroutine.
func (b *Bridge) SubscribeReports(h ReportHandler) error {
	if err := subscribe(b, SubjectReportCreated, h.OnReportCreated); err != nil {
		return err
	}
	if err := subscribe(b, SubjectReportEdited, h.OnReportEdited); err != nil {
		return err
	}
	return subscribe(b, SubjectReportDeleted, h.OnReportDeleted)
}

// SubscribeResponses delivers ban decisions to h.
func (b *Bridge) SubscribeResponses(h ResponseHandler) error {
	if err := subscribe(b, SubjectResponseBanned, h.OnPlayerBanned); err != nil {
		return err
	}
	return subscribe(b, SubjectResponseUnbanned, h.OnPlayerUnbanned)
}

// LogNotifier writes notifications to the log. It stands in for the Bridge
// when NATS is not configured.
type LogNotifier struct {
	Logger *zap.Logger
}

var _ integration.Notifier = LogNotifier{}

func (n LogNotifier) NotifyCommunity(_ context.Context, communityID int64, severity integration.Severity, title, message string) error {
	n.Logger.Info("messaging: community notification",
		zap.Int64("community_id", communityID),
		zap.String("severity", string(severity)),
		zap.String("title", title),
		zap.String("message", message),
	)
	return nil
}

func (n LogNotifier) AlertPlayersPossiblyDangerous(_ context.Context, communityID int64, playerIDs []string) error {
	n.Logger.Info("messaging: possibly dangerous players",
		zap.Int64("community_id", communityID),
		zap.Strings("player_ids", playerIDs),
	)
	return nil
}
