package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ws"
)

const (
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	maxFrameSize = 16 << 10
)

// handleWS upgrades an authenticated caller to a realtime session and runs
// its read loop until the connection drops.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "user_id", actor.ID, "error", err)
		return
	}
	// Hijacked connections outlive the request's cancellation.
	ctx := context.WithoutCancel(r.Context())
	sess := s.hub.Add(actor.ID, actor.Role, conn)
	s.logger.Info("realtime session opened", "user_id", actor.ID, "role", actor.Role, "conn_id", sess.ConnID)

	done := make(chan struct{})
	go keepalive(conn, done)
	defer func() {
		close(done)
		if s.hub.Remove(actor.ID, sess.ConnID) && actor.Role == models.RoleDriver {
			// Detach first so the driver is no longer a candidate when
			// its pending offers are re-dispatched.
			s.registry.Detach(actor.ID, sess.ConnID)
			s.coord.DriverDisconnected(ctx, actor.ID)
		}
		_ = conn.Close()
		s.logger.Info("realtime session closed", "user_id", actor.ID, "conn_id", sess.ConnID)
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("realtime read failed", "user_id", actor.ID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			_ = sess.SendError(apperr.Validation("malformed envelope"))
			continue
		}
		if err := s.handleEvent(ctx, sess, env); err != nil {
			if apperr.Expected(err) {
				s.logger.Debug("realtime event rejected", "event", env.Event, "user_id", actor.ID, "error", err)
			} else {
				s.logger.Error("realtime event failed", "event", env.Event, "user_id", actor.ID, "error", err)
			}
			_ = sess.SendError(err)
		}
	}
}

func keepalive(conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(ws.DefaultWriteTimeout)); err != nil {
				return
			}
		}
	}
}

// handleEvent routes one inbound envelope. Replies travel as server events
// sent by the coordinator; only failures are answered here.
func (s *Server) handleEvent(ctx context.Context, sess *ws.Session, env models.Envelope) error {
	actor := models.Actor{ID: sess.UserID, Role: sess.Role}
	switch env.Event {
	case models.EventRegisterDriver:
		in, err := decode[models.RegisterDriver](env)
		if err != nil {
			return err
		}
		if err := needRole(actor, models.RoleDriver); err != nil {
			return err
		}
		if in.DriverID != "" && in.DriverID != actor.ID {
			return apperr.Unauthorized("driverId does not match caller")
		}
		if in.Location != nil && !in.Location.Valid() {
			return apperr.Validation("location must be a valid coordinate")
		}
		s.registry.Register(actor.ID, sess.ConnID, in.Name, in.Vehicle, in.Location)
		return s.coord.DriverConnected(ctx, actor.ID)

	case models.EventLocationUpdate:
		in, err := decode[models.LocationUpdate](env)
		if err != nil {
			return err
		}
		if err := needRole(actor, models.RoleDriver); err != nil {
			return err
		}
		return s.coord.UpdateLocation(ctx, actor.ID, in)

	case models.EventSetPresence:
		in, err := decode[models.SetPresence](env)
		if err != nil {
			return err
		}
		if err := needRole(actor, models.RoleDriver); err != nil {
			return err
		}
		if !s.registry.SetPresence(actor.ID, in.Online) {
			return apperr.NotFound("driver", actor.ID)
		}
		return nil

	case models.EventAcceptRide:
		in, err := decode[models.RideRef](env)
		if err != nil {
			return err
		}
		if err := needRole(actor, models.RoleDriver); err != nil {
			return err
		}
		_, err = s.coord.Accept(ctx, actor.ID, in.RideID)
		return err

	case models.EventRejectRide:
		in, err := decode[models.RideRef](env)
		if err != nil {
			return err
		}
		if err := needRole(actor, models.RoleDriver); err != nil {
			return err
		}
		return s.coord.Reject(ctx, actor.ID, in.RideID)

	case models.EventCompleteRide:
		in, err := decode[models.RideRef](env)
		if err != nil {
			return err
		}
		if err := needRole(actor, models.RoleDriver); err != nil {
			return err
		}
		_, err = s.coord.Complete(ctx, actor, in.RideID)
		return err

	case models.EventRequestRide:
		in, err := decode[models.RequestRide](env)
		if err != nil {
			return err
		}
		if err := needRole(actor, models.RoleRider); err != nil {
			return err
		}
		_, err = s.coord.RequestRide(ctx, actor, in)
		return err

	case models.EventCancelRide:
		in, err := decode[models.CancelRide](env)
		if err != nil {
			return err
		}
		_, err = s.coord.Cancel(ctx, actor, in.RideID, in.Reason)
		return err

	case models.EventSubmitOTP:
		in, err := decode[models.SubmitOTP](env)
		if err != nil {
			return err
		}
		if err := needRole(actor, models.RoleRider); err != nil {
			return err
		}
		_, err = s.coord.VerifyOTP(ctx, actor, in.RideID, string(in.Code))
		return err

	default:
		return apperr.Validation("unknown event %q", env.Event)
	}
}

func decode[T any](env models.Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, apperr.Validation("%s: missing data", env.Event)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, apperr.Validation("%s: malformed data", env.Event)
	}
	return v, nil
}

func needRole(actor models.Actor, role models.Role) error {
	if actor.Role != role {
		return apperr.Unauthorized("only a %s may do this", role)
	}
	return nil
}
