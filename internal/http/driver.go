package httpapi

import (
	"errors"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/example/moto-dispatch/internal/blob"
	"github.com/example/moto-dispatch/internal/driver"
	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/wallet"
)

func (s *Server) driverSession(r *http.Request) *driver.Session {
	return s.deps.Drivers.Session(session(r).UserID)
}

func (s *Server) handleDriverOpen(w http.ResponseWriter, r *http.Request) {
	st, err := s.driverSession(r).Open(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.driverSession(r).Status())
}

func (s *Server) handleGoOnline(w http.ResponseWriter, r *http.Request) {
	st, err := s.driverSession(r).GoOnline(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	st, err := s.driverSession(r).GoOffline(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	var c models.Coord
	if err := decode(r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	pos, err := s.driverSession(r).UpdatePosition(r.Context(), c)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

type acceptResponse struct {
	Outcome string       `json:"outcome"`
	Trip    *models.Trip `json:"trip,omitempty"`
}

// handleAccept reports a lost race as a 200 with outcome "lost"; only an
// unknown outcome is an error, and that one is retryable.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	res, err := s.driverSession(r).Accept(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acceptResponse{Outcome: res.Outcome.String(), Trip: res.Trip})
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.driverSession(r).Reject(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	p, err := s.driverSession(r).Advance(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleDriverCancel(w http.ResponseWriter, r *http.Request) {
	t, err := s.driverSession(r).Cancel(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleDriverMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.driverSession(r).Messages(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleDriverSay(w http.ResponseWriter, r *http.Request) {
	var req sayRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msg, err := s.driverSession(r).Say(r.Context(), req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.driverSession(r).DailySummary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleDriverHistory(w http.ResponseWriter, r *http.Request) {
	e, err := s.driverSession(r).History(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, blob.MaxImageBytes+maxBodyBytes)
	file, hdr, err := r.FormFile("photo")
	if err != nil {
		s.writeError(w, r, errors.Join(models.ErrInvalidInput, err))
		return
	}
	defer file.Close()
	url, err := s.driverSession(r).UploadPhoto(r.Context(), hdr.Header.Get("Content-Type"), hdr.Size, file)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

type cardRecharge struct {
	Amount float64 `json:"amount"`
}

// handleRecharge takes a bank transfer with its receipt as multipart form
// data, or a JSON body for a card hold.
func (s *Server) handleRecharge(w http.ResponseWriter, r *http.Request) {
	driverID := session(r).UserID
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "multipart/form-data" {
		var req cardRecharge
		if err := decode(r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		rec, err := s.deps.Wallet.RequestWithCard(r.Context(), driverID, req.Amount)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, blob.MaxImageBytes+maxBodyBytes)
	amount, err := strconv.ParseFloat(strings.TrimSpace(r.FormValue("amount")), 64)
	if err != nil {
		s.writeError(w, r, errors.Join(models.ErrInvalidInput, err))
		return
	}
	file, hdr, err := r.FormFile("proof")
	if err != nil {
		s.writeError(w, r, errors.Join(models.ErrInvalidInput, err))
		return
	}
	defer file.Close()
	rec, err := s.deps.Wallet.RequestWithProof(r.Context(), driverID, amount, r.FormValue("reference"), wallet.Proof{
		ContentType: hdr.Header.Get("Content-Type"),
		Size:        hdr.Size,
		Body:        file,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleListRecharges(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Wallet.List(r.Context(), session(r).UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
