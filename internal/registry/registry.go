// Package registry keeps the in-memory view of every connected driver.
//
// Membership is advisory: the durable ride record decides who drives what,
// so calls for unknown drivers are logged and ignored rather than failed.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Observer receives a copy of every registry mutation.
type Observer interface {
	DriverChanged(ev models.DriverEvent)
}

type ObserverFunc func(ev models.DriverEvent)

func (f ObserverFunc) DriverChanged(ev models.DriverEvent) { f(ev) }

type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*models.Driver

	events chan models.DriverEvent
	obsMu  sync.RWMutex
	obs    []Observer
	done   chan struct{}
	once   sync.Once

	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithBuffer sets how many events may queue for observers before new events
// are dropped.
func WithBuffer(n int) Option { return func(r *Registry) { r.events = make(chan models.DriverEvent, n) } }

func New(logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		drivers: make(map[string]*models.Driver),
		events:  make(chan models.DriverEvent, 1024),
		done:    make(chan struct{}),
		logger:  logger,
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	go r.fanout()
	return r
}

func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	r.obs = append(r.obs, o)
	r.obsMu.Unlock()
}

// Close stops event delivery. Mutations after Close are still applied.
func (r *Registry) Close() {
	r.once.Do(func() { close(r.done) })
}

func (r *Registry) fanout() {
	for {
		select {
		case <-r.done:
			return
		case ev := <-r.events:
			r.obsMu.RLock()
			obs := r.obs
			r.obsMu.RUnlock()
			for _, o := range obs {
				o.DriverChanged(ev)
			}
		}
	}
}

// emit must be called with r.mu held so events leave in mutation order.
func (r *Registry) emit(t models.DriverEventType, d *models.Driver) {
	ev := models.DriverEvent{Type: t, Driver: *d, At: r.now()}
	if d.Located {
		ev.Cell = geo.Cell(d.Loc)
	}
	select {
	case r.events <- ev:
	default:
		observability.RegistryEventsDropped.Inc()
		r.logger.Warn("registry event dropped", "driver_id", d.ID, "type", t)
	}
}

// Register adds or re-associates a driver with the connection connID. A
// re-registration keeps the busy flag, since the driver may be mid-ride.
func (r *Registry) Register(driverID, connID, name string, vehicle models.Vehicle, loc *models.Coord) models.Driver {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		d = &models.Driver{ID: driverID}
		r.drivers[driverID] = d
		observability.DriversOnline.Inc()
	} else if !d.Online {
		observability.DriversOnline.Inc()
	}
	d.ConnID = connID
	d.Name = name
	d.Vehicle = vehicle
	d.Online = true
	if loc != nil && loc.Valid() {
		d.Loc = *loc
		d.Located = true
		d.LocatedAt = r.now()
	}
	r.emit(models.DriverRegistered, d)
	return *d
}

func (r *Registry) UpdateLocation(driverID string, lat, lng float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		r.logger.Warn("location update for unknown driver", "driver_id", driverID)
		return false
	}
	d.Loc = models.Coord{Lat: lat, Lng: lng}
	d.Located = true
	d.LocatedAt = r.now()
	r.emit(models.DriverMoved, d)
	return true
}

func (r *Registry) SetPresence(driverID string, online bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		r.logger.Warn("presence change for unknown driver", "driver_id", driverID)
		return false
	}
	if d.Online != online {
		if online {
			observability.DriversOnline.Inc()
		} else {
			observability.DriversOnline.Dec()
		}
	}
	d.Online = online
	r.emit(models.DriverPresence, d)
	return true
}

// Reserve marks the driver busy with rideID. It fails only when the driver is
// known and already busy with a different ride; unknown drivers are let
// through because the ride store has the final word.
func (r *Registry) Reserve(driverID, rideID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		r.logger.Warn("reserve for unknown driver", "driver_id", driverID, "ride_id", rideID)
		return true
	}
	if d.Busy && d.RideID != rideID {
		return false
	}
	if !d.Busy {
		d.Busy = true
		d.RideID = rideID
		r.emit(models.DriverBusy, d)
	}
	return true
}

// Release clears the busy flag if it is still held for rideID.
func (r *Registry) Release(driverID, rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok {
		r.logger.Debug("release for unknown driver", "driver_id", driverID, "ride_id", rideID)
		return
	}
	if !d.Busy || d.RideID != rideID {
		return
	}
	d.Busy = false
	d.RideID = ""
	r.emit(models.DriverBusy, d)
}

func (r *Registry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(driverID)
}

// Detach removes the driver only if connID is still its current connection,
// so a late disconnect of an old socket cannot evict a reconnected driver.
func (r *Registry) Detach(driverID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[driverID]
	if !ok || d.ConnID != connID {
		return false
	}
	r.removeLocked(driverID)
	return true
}

func (r *Registry) removeLocked(driverID string) {
	d, ok := r.drivers[driverID]
	if !ok {
		r.logger.Warn("remove for unknown driver", "driver_id", driverID)
		return
	}
	if d.Online {
		observability.DriversOnline.Dec()
	}
	delete(r.drivers, driverID)
	r.emit(models.DriverRemoved, d)
}

func (r *Registry) Get(driverID string) (models.Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[driverID]
	if !ok {
		return models.Driver{}, false
	}
	return *d, true
}

// Snapshot returns copies of all online drivers ordered by id.
func (r *Registry) Snapshot() []models.Driver {
	r.mu.RLock()
	out := make([]models.Driver, 0, len(r.drivers))
	for _, d := range r.drivers {
		if d.Online {
			out = append(out, *d)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Now() time.Time { return r.now() }
