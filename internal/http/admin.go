package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/moto-dispatch/internal/admin"
)

// withConsole resolves the caller's console, opening it on first use.
func (s *Server) withConsole(fn func(w http.ResponseWriter, r *http.Request, c *admin.Console)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := s.console(r.Context(), session(r).UserID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		fn(w, r, c)
	}
}

func (s *Server) handleZones(w http.ResponseWriter, r *http.Request, c *admin.Console) {
	writeJSON(w, http.StatusOK, c.Zones())
}

func (s *Server) handleCreateZone(w http.ResponseWriter, r *http.Request, c *admin.Console) {
	var in admin.ZoneInput
	if err := decode(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	z, err := c.CreateZone(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, z)
}

func (s *Server) handleDeleteZone(w http.ResponseWriter, r *http.Request, c *admin.Console) {
	if err := c.DeleteZone(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOccupancy(w http.ResponseWriter, r *http.Request, c *admin.Console) {
	occ, err := c.Occupancy(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, occ)
}

// handleRecharges lists pending requests, or decided ones with
// ?status=processed.
func (s *Server) handleRecharges(w http.ResponseWriter, r *http.Request, c *admin.Console) {
	list := c.PendingRecharges
	if r.URL.Query().Get("status") == "processed" {
		list = c.Ledger
	}
	out, err := list(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, c *admin.Console) {
	d, err := c.Approve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleRejectRecharge(w http.ResponseWriter, r *http.Request, c *admin.Console) {
	d, err := c.Reject(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDrivers(w http.ResponseWriter, r *http.Request, c *admin.Console) {
	drivers, err := c.Drivers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, drivers)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request, c *admin.Console) {
	if err := c.Block(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request, c *admin.Console) {
	if err := c.Unblock(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request, c *admin.Console) {
	st, err := c.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleOpenSOS(w http.ResponseWriter, r *http.Request, c *admin.Console) {
	trips, err := c.OpenSOS(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trips)
}
