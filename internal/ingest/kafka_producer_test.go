package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error { return nil }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDriverChangedPublishesToLocationsTopic(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "", "", discard())

	p.DriverChanged(models.DriverEvent{
		Type:   models.DriverMoved,
		Driver: models.Driver{ID: "d1", Loc: models.Coord{Lat: 12.9, Lng: 77.6}, Located: true, Online: true},
		Cell:   "tdr1v",
		At:     time.Now(),
	})

	require.Len(t, w.msgs, 1)
	assert.Equal(t, DefaultLocationsTopic, w.msgs[0].Topic)
	assert.Equal(t, "d1", string(w.msgs[0].Key))
	var ev models.DriverEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &ev))
	assert.Equal(t, models.DriverMoved, ev.Type)
	assert.Equal(t, "tdr1v", ev.Cell)
}

func TestPublishRideEvent(t *testing.T) {
	w := &fakeWriter{}
	p := newProducer(w, "locs", "rides", discard())

	err := p.PublishRideEvent(context.Background(), models.RideEvent{RideID: "r1", FromStatus: models.StatusRequested, ToStatus: models.StatusMatched})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "rides", w.msgs[0].Topic)
	assert.Equal(t, "r1", string(w.msgs[0].Key))

	w.err = errors.New("broker down")
	assert.Error(t, p.PublishRideEvent(context.Background(), models.RideEvent{RideID: "r1"}))
}

type fakeMirror struct{ applied []models.DriverEvent }

func (f *fakeMirror) Apply(_ context.Context, ev models.DriverEvent) error {
	f.applied = append(f.applied, ev)
	return nil
}

func TestMirrorObserver(t *testing.T) {
	m := &fakeMirror{}
	o := &MirrorObserver{Mirror: m, Logger: discard()}
	o.DriverChanged(models.DriverEvent{Type: models.DriverRemoved, Driver: models.Driver{ID: "d1"}})
	require.Len(t, m.applied, 1)
	assert.Equal(t, models.DriverRemoved, m.applied[0].Type)
}
