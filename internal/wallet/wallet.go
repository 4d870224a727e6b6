// Package wallet takes driver balance top-up requests. A request is backed
// either by a photo of a bank transfer or by a card hold; admins approve or
// reject it from the console.
package wallet

import (
	"context"
	"fmt"
	"io"
	"math"
	"mime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/alerts"
	"github.com/example/moto-dispatch/internal/blob"
	"github.com/example/moto-dispatch/internal/dispatch"
	"github.com/example/moto-dispatch/internal/models"
	"github.com/example/moto-dispatch/internal/payments"
	"github.com/example/moto-dispatch/internal/storage"
)

// Bucket holds transfer proof photos.
const Bucket = "wallet"

type Store interface {
	CreateRecharge(ctx context.Context, r *models.RechargeRequest) (*models.RechargeRequest, error)
	ListRecharges(ctx context.Context, f storage.RechargeFilter) ([]models.RechargeRequest, error)
}

type Config struct {
	Store    Store
	Blobs    blob.Store
	Cards    payments.Holder
	Alerts   alerts.Publisher
	Sink     dispatch.Sink
	Currency string
	Now      func() time.Time
	Log      *zap.SugaredLogger
}

type Service struct {
	cfg Config
}

func New(cfg Config) *Service {
	if cfg.Cards == nil {
		cfg.Cards = payments.Disabled{}
	}
	if cfg.Alerts == nil {
		cfg.Alerts = alerts.Discard{}
	}
	if cfg.Currency == "" {
		cfg.Currency = "hnl"
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop().Sugar()
	}
	return &Service{cfg: cfg}
}

// Proof is a transfer receipt photo.
type Proof struct {
	ContentType string
	Size        int64
	Body        io.Reader
}

func checkAmount(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount <= 0 {
		return fmt.Errorf("recharge amount %v: %w", amount, models.ErrInvalidInput)
	}
	return nil
}

// RequestWithProof uploads the receipt and files a pending request. Amount,
// reference and photo are all required.
func (s *Service) RequestWithProof(ctx context.Context, driverID string, amount float64, reference string, proof Proof) (*models.RechargeRequest, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, fmt.Errorf("transfer reference required: %w", models.ErrInvalidInput)
	}
	if proof.Body == nil {
		return nil, fmt.Errorf("transfer proof required: %w", models.ErrInvalidInput)
	}
	if err := blob.CheckImage(proof.ContentType, proof.Size); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("%s_%d%s", driverID, s.cfg.Now().UnixMilli(), extension(proof.ContentType))
	url, err := s.cfg.Blobs.Upload(ctx, Bucket, name, io.LimitReader(proof.Body, blob.MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("upload proof: %w", err)
	}
	req, err := s.cfg.Store.CreateRecharge(ctx, &models.RechargeRequest{
		DriverID:  driverID,
		Amount:    models.RoundCents(amount),
		Reference: reference,
		ProofURL:  url,
	})
	if err != nil {
		if rmErr := s.cfg.Blobs.Remove(ctx, Bucket, name); rmErr != nil {
			s.cfg.Log.Warnw("remove orphan proof", "name", name, "err", rmErr)
		}
		return nil, err
	}
	s.announce(ctx, req)
	return req, nil
}

// RequestWithCard places a card hold for amount and files a pending request
// carrying the payment intent.
func (s *Service) RequestWithCard(ctx context.Context, driverID string, amount float64) (*models.RechargeRequest, error) {
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	amount = models.RoundCents(amount)
	intent, err := s.cfg.Cards.Hold(ctx, amount, s.cfg.Currency, driverID)
	if err != nil {
		return nil, fmt.Errorf("card hold: %w", err)
	}
	req, err := s.cfg.Store.CreateRecharge(ctx, &models.RechargeRequest{
		DriverID:        driverID,
		Amount:          amount,
		Reference:       intent,
		PaymentIntentID: intent,
	})
	if err != nil {
		if cErr := s.cfg.Cards.Cancel(ctx, intent); cErr != nil {
			s.cfg.Log.Errorw("release card hold", "payment_intent", intent, "err", cErr)
		}
		return nil, err
	}
	s.announce(ctx, req)
	return req, nil
}

// List returns the driver's latest requests.
func (s *Service) List(ctx context.Context, driverID string) ([]models.RechargeRequest, error) {
	return s.cfg.Store.ListRecharges(ctx, storage.RechargeFilter{DriverID: driverID, Limit: 20})
}

func (s *Service) announce(ctx context.Context, req *models.RechargeRequest) {
	s.cfg.Log.Infow("recharge requested", "recharge_id", req.ID, "driver_id", req.DriverID, "amount", req.Amount)
	if s.cfg.Sink != nil {
		s.cfg.Sink.Broadcast(models.RoleAdmin, dispatch.Envelope{Type: "recharge_pending", Data: req})
	}
	err := s.cfg.Alerts.Publish(ctx, alerts.Alert{
		Kind:     alerts.KindRecharge,
		DriverID: req.DriverID,
		Amount:   req.Amount,
		At:       s.cfg.Now().UTC(),
	})
	if err != nil {
		s.cfg.Log.Warnw("publish recharge alert", "recharge_id", req.ID, "err", err)
	}
}

func extension(contentType string) string {
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
