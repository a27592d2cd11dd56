package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const maxBodyBytes = 64 << 10

// rideView is the ride projection returned to riders and drivers.
type rideView struct {
	*models.Ride
	Driver *models.DriverInfo `json:"driver,omitempty"`
}

// assignedView is what the winning driver sees: the ride plus the OTP the
// rider will be asked for.
type assignedView struct {
	*models.Ride
	OTP string `json:"otp"`
}

type driverRequest struct {
	DriverID string `json:"driverId"`
}

type otpRequest struct {
	OTP  models.OTPCode `json:"otp"`
	Code models.OTPCode `json:"code"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleRider)
	if !ok {
		return
	}
	var req models.RequestRide
	if !s.decodeBody(w, r, &req) {
		return
	}
	ride, err := s.coord.RequestRide(r.Context(), actor, req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rideView{Ride: ride})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	ride, err := s.trips.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actor.ID != ride.RiderID && actor.ID != ride.DriverID {
		s.writeError(w, r, apperr.Unauthorized("ride %s belongs to another user", ride.ID))
		return
	}
	writeJSON(w, http.StatusOK, s.project(ride))
}

func (s *Server) handleRideEvents(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	ride, err := s.trips.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if actor.ID != ride.RiderID && actor.ID != ride.DriverID {
		s.writeError(w, r, apperr.Unauthorized("ride %s belongs to another user", ride.ID))
		return
	}
	events, err := s.trips.History(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []models.RideEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverFromBody(w, r)
	if !ok {
		return
	}
	ride, err := s.coord.Accept(r.Context(), driverID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, assignedView{Ride: ride, OTP: ride.OTP})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	driverID, ok := s.driverFromBody(w, r)
	if !ok {
		return
	}
	if err := s.coord.Reject(r.Context(), driverID, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleRider)
	if !ok {
		return
	}
	var req otpRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	code := req.OTP
	if code == "" {
		code = req.Code
	}
	ride, err := s.coord.VerifyOTP(r.Context(), actor, mux.Vars(r)["id"], string(code))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, models.RideStatusChange{RideID: ride.ID, Status: ride.Status})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleDriver)
	if !ok {
		return
	}
	ride, err := s.coord.Complete(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rideView{Ride: ride})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return
	}
	ride, err := s.coord.Cancel(r.Context(), actor, mux.Vars(r)["id"], req.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rideView{Ride: ride})
}

// handleDrivers lists online drivers for dashboards, optionally limited to a
// radius around lat,lng.
func (s *Server) handleDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	radius := parseFloat(q.Get("radiusKm"), 5)
	limit := int(parseFloat(q.Get("limit"), 50))
	center, hasCenter := models.Coord{}, false
	if q.Get("lat") != "" || q.Get("lng") != "" {
		center = models.Coord{Lat: parseFloat(q.Get("lat"), 0), Lng: parseFloat(q.Get("lng"), 0)}
		if !center.Valid() {
			s.writeError(w, r, apperr.Validation("lat/lng must be a valid coordinate"))
			return
		}
		hasCenter = true
	}

	if hasCenter && s.nearby != nil {
		drivers, err := s.nearby.Nearby(r.Context(), center, radius, limit)
		if err == nil {
			writeJSON(w, http.StatusOK, drivers)
			return
		}
		s.logger.Warn("geo index lookup failed, using registry", "error", err)
	}

	out := make([]models.Driver, 0)
	for _, d := range s.registry.Snapshot() {
		if hasCenter && (!d.Located || geo.HaversineKm(center, d.Loc) > radius) {
			continue
		}
		out = append(out, d)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// project attaches the assigned driver's public details.
func (s *Server) project(ride *models.Ride) rideView {
	v := rideView{Ride: ride}
	if ride.DriverID == "" {
		return v
	}
	info := &models.DriverInfo{DriverID: ride.DriverID}
	if d, ok := s.registry.Get(ride.DriverID); ok {
		info.Name = d.Name
		info.Vehicle = d.Vehicle
		if d.Located {
			loc := d.Loc
			info.Location = &loc
		}
	}
	v.Driver = info
	return v
}

func (s *Server) requireActor(w http.ResponseWriter, r *http.Request, role models.Role) (models.Actor, bool) {
	actor, ok := actorFromRequest(r)
	if !ok {
		s.writeError(w, r, apperr.Unauthorized("missing %s/%s headers", headerUserID, headerUserRole))
		return models.Actor{}, false
	}
	if role != "" && actor.Role != role {
		s.writeError(w, r, apperr.Unauthorized("only a %s may do this", role))
		return models.Actor{}, false
	}
	return actor, true
}

// driverFromBody resolves the acting driver. A driverId in the body must
// match the authenticated identity.
func (s *Server) driverFromBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor, ok := s.requireActor(w, r, models.RoleDriver)
	if !ok {
		return "", false
	}
	var req driverRequest
	if r.ContentLength != 0 && !s.decodeBody(w, r, &req) {
		return "", false
	}
	if req.DriverID != "" && req.DriverID != actor.ID {
		s.writeError(w, r, apperr.Unauthorized("driverId does not match caller"))
		return "", false
	}
	return actor.ID, true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		s.writeError(w, r, apperr.Validation("invalid JSON body: %v", err))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	if !apperr.Expected(err) {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, models.ErrorMessage{Code: apperr.Code(err), Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseFloat(raw string, def float64) float64 {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}
