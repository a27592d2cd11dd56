package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// MirrorObserver applies registry events straight to a geo.Mirror. It is used
// when no broker sits between the API and Redis.
type MirrorObserver struct {
	Mirror  geo.Mirror
	Timeout time.Duration
	Logger  *slog.Logger
}

func (m *MirrorObserver) DriverChanged(ev models.DriverEvent) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.Mirror.Apply(ctx, ev); err != nil {
		m.Logger.Warn("mirror driver event failed", "driver_id", ev.Driver.ID, "type", ev.Type, "error", err)
	}
}
