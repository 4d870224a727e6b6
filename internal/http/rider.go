package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/rider"
)

type quoteRequest struct {
	Origin      models.Coord `json:"origin"`
	Destination models.Coord `json:"destination"`
}

func (s *Server) riderSession(r *http.Request) *rider.Session {
	return s.deps.Riders.Session(session(r).UserID)
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.riderSession(r).Quote(r.Context(), req.Origin, req.Destination)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleRequestTrip(w http.ResponseWriter, r *http.Request) {
	var req rider.Request
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	trip, err := s.riderSession(r).RequestTrip(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, trip)
}

// handleRiderTrip returns the followed trip, resuming one left open by an
// earlier session.
func (s *Server) handleRiderTrip(w http.ResponseWriter, r *http.Request) {
	sess := s.riderSession(r)
	if t, ok := sess.Trip(); ok {
		writeJSON(w, http.StatusOK, t)
		return
	}
	t, err := sess.Resume(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRiderCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.riderSession(r).Cancel(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSOS(w http.ResponseWriter, r *http.Request) {
	t, err := s.riderSession(r).SOS(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleETA(w http.ResponseWriter, r *http.Request) {
	hint, err := s.riderSession(r).ETA(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hint)
}

type rateRequest struct {
	Rating int `json:"rating"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.riderSession(r).Rate(r.Context(), mux.Vars(r)["id"], req.Rating)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRiderHistory(w http.ResponseWriter, r *http.Request) {
	trips, err := s.riderSession(r).History(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trips)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, okLat, err := queryFloat(r, "lat")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lon, okLon, err := queryFloat(r, "lon")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !okLat || !okLon {
		s.writeError(w, r, errors.Join(models.ErrInvalidInput, errors.New("lat and lon are required")))
		return
	}
	radius, _, err := queryFloat(r, "radius")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	drivers, err := s.riderSession(r).Nearby(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drivers)
}

type sayRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleRiderMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.riderSession(r).Messages(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleRiderSay(w http.ResponseWriter, r *http.Request) {
	var req sayRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.riderSession(r).Say(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}
