package ws

import (
	"time"

	"go.uber.org/zap"
)

// HeartbeatConfig holds keepalive tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration `koanf:"interval"` // how often to ping; zero disables pings (default: 30s)
	Timeout  time.Duration `koanf:"timeout"`  // extra silence tolerated after a ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for keepalive pings.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// startHeartbeat pings the remote every Interval and closes the connection
// once nothing has been read for Interval + Timeout. Closing the connection
// makes the read loop fail, which hands control back to the reconnect loop.
// The goroutine exits when the connection is closed.
func startHeartbeat(conn *Connection, cfg HeartbeatConfig, logger *zap.Logger) {
	if cfg.Interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		deadline := cfg.Interval + cfg.Timeout
		for {
			select {
			case <-conn.Done():
				return
			case now := <-ticker.C:
				if silent := now.Sub(conn.LastRead()); silent > deadline {
					logger.Warn("ws: heartbeat timeout", zap.Duration("silent", silent.Round(time.Second)))
					conn.Close()
					return
				}
				if err := conn.WritePing(); err != nil {
					logger.Warn("ws: heartbeat ping failed", zap.Error(err))
					conn.Close()
					return
				}
			}
		}
	}()
}
