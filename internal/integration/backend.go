package integration

import "context"

// Backend talks to one kind of remote ban list. Every backend places and
// lifts single bans; the optional interfaces below add what only some
// backends can do.
type Backend interface {
	Kind() Kind

	// Validate checks that cfg is usable for community. It may fill in
	// cfg.BanListID when it had to create the remote ban list. The returned
	// warnings name optional permissions that are missing.
	Validate(ctx context.Context, cfg *Config, community Community) ([]string, error)

	// AddBan bans the player of resp and returns the remote ban id.
	AddBan(ctx context.Context, cfg Config, resp Response) (string, error)

	// RemoveBan lifts a remote ban. A ban that no longer exists remotely is
	// not an error.
	RemoveBan(ctx context.Context, cfg Config, remoteID string) error
}

// Connector is a backend that holds a persistent connection while its
// integration is enabled.
type Connector interface {
	// Start opens the connection. onRejected is called once if the remote
	// permanently refuses the credentials.
	Start(cfg Config, onRejected func(error))
	Stop()
	Started() bool
	State() string
}

// BatchBanner is a backend that bans and unbans many players in a single
// round trip. On a partial failure both methods return what succeeded
// together with an error wrapping ErrPartialBatch.
type BatchBanner interface {
	// AddBans returns the remote ban id of every banned player.
	AddBans(ctx context.Context, cfg Config, resps []Response) (map[string]string, error)
	// RemoveBans returns the remote ids that were lifted.
	RemoveBans(ctx context.Context, cfg Config, remoteIDs []string) ([]string, error)
}

// Reconcilable is a backend whose remote ban list can be read back.
type Reconcilable interface {
	FetchBans(ctx context.Context, cfg Config) ([]RemoteBan, error)
	ExpireBan(ctx context.Context, cfg Config, remoteID string) error
}

// ProfileLinker attaches remote bans to the matching player profile.
type ProfileLinker interface {
	LinkProfiles(ctx context.Context, cfg Config, bans []RemoteBan) (int, error)
}

// ReportReceiver is told about every newly created report.
type ReportReceiver interface {
	OnReportCreated(ctx context.Context, cfg Config, report Report) error
}
