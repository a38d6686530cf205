// Package integration executes ban decisions against the external ban
// lists communities connect, and keeps those lists reconciled with the
// local ban records.
//
// An integration moves through three states:
//
//	Unsaved --Create--> Disabled <--Enable/Disable--> Enabled
//
// While enabled it owns a background task that periodically validates the
// config and reconciles the remote ban list. Every remote call goes through
// a Backend; the Battlemetrics, CRCON and custom backends live in
// subpackages.
package integration

import "context"

// Integration is one community's connection to one remote ban list.
type Integration interface {
	Config() Config

	Create(ctx context.Context) error
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Update(ctx context.Context, cfg Config) error
	Start(ctx context.Context) error
	Close()

	Validate(ctx context.Context, community Community) ([]string, error)

	BanPlayer(ctx context.Context, resp Response) error
	UnbanPlayer(ctx context.Context, playerID string) error
	BulkBanPlayers(ctx context.Context, resps []Response) error
	BulkUnbanPlayers(ctx context.Context, playerIDs []string) error

	Synchronize(ctx context.Context) (SyncResult, error)

	OnReportCreated(ctx context.Context, report Report) error
}
