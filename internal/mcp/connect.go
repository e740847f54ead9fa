package mcp

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/genbridge/internal/channel"
	"github.com/nugget/genbridge/internal/supervisor"
)

// DefaultAnnounceTimeout bounds how long Connect waits for the
// provider to print its endpoint.
const DefaultAnnounceTimeout = 30 * time.Second

// ConnectConfig describes how to reach a tool provider.
type ConnectConfig struct {
	// Server is the provider command line.
	Server supervisor.ServerParameters

	// ConnectTimeout bounds the websocket handshake once the endpoint
	// is known. Zero means channel.DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// AnnounceTimeout bounds the wait for the endpoint announcement.
	// Zero means DefaultAnnounceTimeout.
	AnnounceTimeout time.Duration

	// Logger is shared by the supervisor, channel and session.
	Logger *slog.Logger
}

// Connect spawns the provider, waits for its endpoint announcement,
// opens a channel to it and returns a ready Session. Closing the
// session shuts the provider down. Nothing is retried: spawn failures
// are *supervisor.SpawnError, an early exit is
// *supervisor.ProcessExitedError, and both an announcement that never
// comes and a handshake that never completes are
// *channel.ConnectTimeoutError.
func Connect(ctx context.Context, cfg ConnectConfig) (*Session, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	announceTimeout := cfg.AnnounceTimeout
	if announceTimeout <= 0 {
		announceTimeout = DefaultAnnounceTimeout
	}

	sup := supervisor.New(cfg.Server, logger)
	handle, err := sup.Spawn(ctx)
	if err != nil {
		return nil, err
	}

	announceCtx, cancel := context.WithTimeout(ctx, announceTimeout)
	endpoint, err := sup.Endpoint(announceCtx)
	cancel()
	if err != nil {
		_ = sup.Shutdown(context.Background())
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &channel.ConnectTimeoutError{Timeout: announceTimeout}
		}
		return nil, err
	}

	ch, err := channel.Open(ctx, endpoint, channel.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
	})
	if err != nil {
		_ = sup.Shutdown(context.Background())
		return nil, err
	}

	session := NewSession(ch, logger.With("endpoint", endpoint, "pid", handle.PID()))
	session.onClose = sup.Shutdown

	// A provider that dies mid-session takes the channel with it so
	// that no read is left waiting on a dead peer.
	go func() {
		select {
		case <-handle.Done():
			if ch.State() != channel.StateClosed {
				logger.Warn("tool provider exited while session was open")
			}
			_ = ch.Close()
		case <-ch.Done():
		}
	}()

	return session, nil
}
