package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/example/moto-dispatch/internal/models"
)

// PostgresStore implements Backend over database/sql. Zone lookup, trip
// settlement and balance credits run as stored functions created by the
// migrations; change notifications arrive through a PGFeed.
type PostgresStore struct {
	db             *sql.DB
	feed           *PGFeed
	commissionRate float64
}

var _ Backend = (*PostgresStore)(nil)

func NewPostgresStore(ctx context.Context, dsn string, commissionRate float64, log *zap.SugaredLogger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, classify("ping", err)
	}
	p := &PostgresStore{db: db, commissionRate: commissionRate}
	p.feed = NewPGFeed(dsn, p, log)
	return p, nil
}

func (p *PostgresStore) Close() error {
	p.feed.Close()
	return p.db.Close()
}

func (p *PostgresStore) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	return p.feed.Subscribe(ctx, f)
}

const tripColumns = `id, rider_id, COALESCE(driver_id, ''), origin_lat, origin_lon, dest_lat, dest_lon,
	price, notes, status, sos, rating, requested_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var (
		t      models.Trip
		rating sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.RiderID, &t.DriverID, &t.Origin.Lat, &t.Origin.Lon,
		&t.Destination.Lat, &t.Destination.Lon, &t.Price, &t.Notes, &t.Status, &t.SOS,
		&rating, &t.RequestedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if rating.Valid {
		r := int(rating.Int64)
		t.Rating = &r
	}
	return &t, nil
}

// conditional turns a no-rows result into (nil, nil).
func conditional[T any](v *T, err error, op string) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return v, nil
}

func mustExist[T any](v *T, err error, op, id string) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", op, id, ErrNotFound)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	return v, nil
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `INSERT INTO trips (rider_id, origin_lat, origin_lon, dest_lat, dest_lon, price, notes, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'searching')
		RETURNING `+tripColumns,
		t.RiderID, t.Origin.Lat, t.Origin.Lon, t.Destination.Lat, t.Destination.Lon, t.Price, t.Notes)
	out, err := scanTrip(row)
	if err != nil {
		return nil, classify("create trip", err)
	}
	return out, nil
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	return mustExist(t, err, "trip", id)
}

func (p *PostgresStore) ListTrips(ctx context.Context, f TripFilter) ([]models.Trip, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.RiderID != "" {
		add("rider_id = $%d", f.RiderID)
	}
	if f.DriverID != "" {
		add("driver_id = $%d", f.DriverID)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", pq.Array(statusStrings(f.Statuses)))
	}
	if !f.Since.IsZero() {
		add("requested_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("requested_at < $%d", f.Until)
	}
	q := `SELECT ` + tripColumns + ` FROM trips`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY requested_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list trips", err)
	}
	defer rows.Close()
	out := make([]models.Trip, 0)
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, classify("list trips", err)
		}
		out = append(out, *t)
	}
	return out, classify("list trips", rows.Err())
}

// ClaimTrip is the first-committer update: only a row still searching and
// unassigned matches, so concurrent claimers see zero rows. A repeated claim
// by the driver already holding the accepted trip returns the row unchanged,
// so a retry after a lost reply reads as won.
func (p *PostgresStore) ClaimTrip(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `WITH claimed AS (
			UPDATE trips
			   SET driver_id = $1, status = 'accepted', updated_at = now()
			 WHERE id = $2 AND status = 'searching' AND driver_id IS NULL
			RETURNING `+tripColumns+`
		)
		SELECT * FROM claimed
		UNION ALL
		SELECT `+tripColumns+` FROM trips WHERE id = $2 AND status = 'accepted' AND driver_id = $1
		LIMIT 1`, driverID, tripID))
	return conditional(t, err, "claim trip")
}

func (p *PostgresStore) UpdateTripStatus(ctx context.Context, tripID string, from []models.TripStatus, to models.TripStatus) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `UPDATE trips
		SET status = $1, updated_at = now()
		WHERE id = $2 AND status = ANY($3)
		RETURNING `+tripColumns, to, tripID, pq.Array(statusStrings(from))))
	return conditional(t, err, "update trip status")
}

func (p *PostgresStore) SetSOS(ctx context.Context, tripID string) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `UPDATE trips
		SET sos = true, updated_at = now()
		WHERE id = $1 AND status IN ('accepted', 'in_progress')
		RETURNING `+tripColumns, tripID))
	if t, err = conditional(t, err, "set sos"); err != nil || t != nil {
		return t, err
	}
	if _, err := p.GetTrip(ctx, tripID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("sos on trip %s: %w", tripID, ErrConflict)
}

func (p *PostgresStore) RateTrip(ctx context.Context, tripID string, rating int) (*models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `UPDATE trips
		SET rating = $1, updated_at = now()
		WHERE id = $2 AND status = 'completed'
		RETURNING `+tripColumns, rating, tripID))
	if t, err = conditional(t, err, "rate trip"); err != nil || t != nil {
		return t, err
	}
	if _, err := p.GetTrip(ctx, tripID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("rating trip %s: %w", tripID, ErrConflict)
}

const presenceColumns = `id, name, lat, lon, status, balance, updated_at`

func scanPresence(row rowScanner) (*models.DriverPresence, error) {
	var (
		d        models.DriverPresence
		lat, lon sql.NullFloat64
	)
	if err := row.Scan(&d.DriverID, &d.Name, &lat, &lon, &d.Status, &d.Balance, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if lat.Valid && lon.Valid {
		d.Loc = &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
	}
	return &d, nil
}

func (p *PostgresStore) GetPresence(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	d, err := scanPresence(p.db.QueryRowContext(ctx, `SELECT `+presenceColumns+` FROM drivers WHERE id = $1`, driverID))
	return mustExist(d, err, "driver", driverID)
}

func (p *PostgresStore) ListPresences(ctx context.Context, f PresenceFilter) ([]models.DriverPresence, error) {
	q := `SELECT ` + presenceColumns + ` FROM drivers`
	var args []any
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(statuses))
	}
	q += ` ORDER BY id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list drivers", err)
	}
	defer rows.Close()
	out := make([]models.DriverPresence, 0)
	for rows.Next() {
		d, err := scanPresence(rows)
		if err != nil {
			return nil, classify("list drivers", err)
		}
		out = append(out, *d)
	}
	return out, classify("list drivers", rows.Err())
}

func (p *PostgresStore) UpsertPresence(ctx context.Context, d models.DriverPresence) (*models.DriverPresence, error) {
	var lat, lon sql.NullFloat64
	if d.Loc != nil {
		lat = sql.NullFloat64{Float64: d.Loc.Lat, Valid: true}
		lon = sql.NullFloat64{Float64: d.Loc.Lon, Valid: true}
	}
	status := sql.NullString{String: string(d.Status), Valid: d.Status != ""}
	out, err := scanPresence(p.db.QueryRowContext(ctx, `INSERT INTO drivers (id, name, lat, lon, status)
		VALUES ($1, $2, $3, $4, COALESCE($5, 'inactive'))
		ON CONFLICT (id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), drivers.name),
			lat = COALESCE(EXCLUDED.lat, drivers.lat),
			lon = COALESCE(EXCLUDED.lon, drivers.lon),
			status = COALESCE($5, drivers.status),
			updated_at = now()
		WHERE drivers.status <> 'blocked' OR $5 = 'blocked'
		RETURNING `+presenceColumns, d.DriverID, d.Name, lat, lon, status))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("driver %s is blocked: %w", d.DriverID, ErrConflict)
	}
	if err != nil {
		return nil, classify("upsert driver", err)
	}
	return out, nil
}

// SetDriverStatus never moves a blocked driver; only UnblockDriver does.
func (p *PostgresStore) SetDriverStatus(ctx context.Context, driverID string, status models.DriverStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET status = $1, updated_at = now()
		WHERE id = $2 AND (status <> 'blocked' OR $1 = 'blocked')`, status, driverID)
	if err != nil {
		return classify("set driver status", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := p.GetPresence(ctx, driverID); err != nil {
		return err
	}
	return fmt.Errorf("driver %s is blocked: %w", driverID, ErrConflict)
}

// UnblockDriver returns a blocked driver to inactive and reports nil when the
// driver was not blocked.
func (p *PostgresStore) UnblockDriver(ctx context.Context, driverID string) (*models.DriverPresence, error) {
	d, err := scanPresence(p.db.QueryRowContext(ctx, `UPDATE drivers SET status = 'inactive', updated_at = now()
		WHERE id = $1 AND status = 'blocked'
		RETURNING `+presenceColumns, driverID))
	if d, err = conditional(d, err, "unblock driver"); err != nil || d != nil {
		return d, err
	}
	if _, err := p.GetPresence(ctx, driverID); err != nil {
		return nil, err
	}
	return nil, nil
}

func scanZone(row rowScanner) (*models.Zone, error) {
	var (
		z    models.Zone
		ring []byte
	)
	if err := row.Scan(&z.ID, &z.Name, &z.BaseFare, &z.CommissionPct, &ring); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(ring, &z.Ring); err != nil {
		return nil, fmt.Errorf("zone %s ring: %w", z.ID, err)
	}
	return &z, nil
}

// CreateZone stores the ring as given; create_zone builds the polygon,
// closing the ring when needed.
func (p *PostgresStore) CreateZone(ctx context.Context, z *models.Zone) (*models.Zone, error) {
	ring, err := json.Marshal(z.Ring)
	if err != nil {
		return nil, err
	}
	out, err := scanZone(p.db.QueryRowContext(ctx, `SELECT id, name, base_fare, commission_pct, ring
		FROM create_zone($1, $2, $3, $4::jsonb)`, z.Name, z.BaseFare, z.CommissionPct, ring))
	if err != nil {
		return nil, classify("create zone", err)
	}
	return out, nil
}

func (p *PostgresStore) DeleteZone(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM zones WHERE id = $1`, id)
	if err != nil {
		return classify("delete zone", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("zone %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) ListZones(ctx context.Context) ([]models.Zone, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, name, base_fare, commission_pct, ring FROM zones ORDER BY created_at`)
	if err != nil {
		return nil, classify("list zones", err)
	}
	defer rows.Close()
	out := make([]models.Zone, 0)
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, classify("list zones", err)
		}
		out = append(out, *z)
	}
	return out, classify("list zones", rows.Err())
}

func (p *PostgresStore) ResolveZone(ctx context.Context, c models.Coord) (*models.Zone, error) {
	z, err := scanZone(p.db.QueryRowContext(ctx, `SELECT id, name, base_fare, commission_pct, ring
		FROM identify_zone($1, $2)`, c.Lat, c.Lon))
	return conditional(z, err, "identify zone")
}

func scanMessage(row rowScanner) (*models.ChatMessage, error) {
	var m models.ChatMessage
	if err := row.Scan(&m.ID, &m.TripID, &m.SenderRole, &m.Text, &m.CreatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (p *PostgresStore) AppendMessage(ctx context.Context, m *models.ChatMessage) (*models.ChatMessage, error) {
	out, err := scanMessage(p.db.QueryRowContext(ctx, `INSERT INTO messages (trip_id, sender_role, text)
		VALUES ($1, $2, $3)
		RETURNING id, trip_id, sender_role, text, created_at`, m.TripID, m.SenderRole, m.Text))
	if err != nil {
		var pe *pq.Error
		if errors.As(err, &pe) && pe.Code.Name() == "foreign_key_violation" {
			return nil, fmt.Errorf("trip %s: %w", m.TripID, ErrNotFound)
		}
		return nil, classify("append message", err)
	}
	return out, nil
}

func (p *PostgresStore) getMessage(ctx context.Context, id string) (*models.ChatMessage, error) {
	m, err := scanMessage(p.db.QueryRowContext(ctx, `SELECT id, trip_id, sender_role, text, created_at
		FROM messages WHERE id = $1`, id))
	return mustExist(m, err, "message", id)
}

func (p *PostgresStore) ListMessages(ctx context.Context, tripID string) ([]models.ChatMessage, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, trip_id, sender_role, text, created_at
		FROM messages WHERE trip_id = $1 ORDER BY created_at, seq`, tripID)
	if err != nil {
		return nil, classify("list messages", err)
	}
	defer rows.Close()
	out := make([]models.ChatMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, classify("list messages", err)
		}
		out = append(out, *m)
	}
	return out, classify("list messages", rows.Err())
}

const rechargeColumns = `id, driver_id, amount, reference, proof_url, payment_intent_id, status, created_at`

func scanRecharge(row rowScanner) (*models.RechargeRequest, error) {
	return scanRechargeWith(row)
}

// scanRechargeWith scans a recharge row followed by extra columns.
func scanRechargeWith(row rowScanner, extra ...any) (*models.RechargeRequest, error) {
	var r models.RechargeRequest
	dest := append([]any{&r.ID, &r.DriverID, &r.Amount, &r.Reference, &r.ProofURL, &r.PaymentIntentID, &r.Status, &r.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) CreateRecharge(ctx context.Context, r *models.RechargeRequest) (*models.RechargeRequest, error) {
	out, err := scanRecharge(p.db.QueryRowContext(ctx, `INSERT INTO recharges (driver_id, amount, reference, proof_url, payment_intent_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+rechargeColumns, r.DriverID, r.Amount, r.Reference, r.ProofURL, r.PaymentIntentID))
	if err != nil {
		return nil, classify("create recharge", err)
	}
	return out, nil
}

func (p *PostgresStore) GetRecharge(ctx context.Context, id string) (*models.RechargeRequest, error) {
	r, err := scanRecharge(p.db.QueryRowContext(ctx, `SELECT `+rechargeColumns+` FROM recharges WHERE id = $1`, id))
	return mustExist(r, err, "recharge", id)
}

func (p *PostgresStore) ListRecharges(ctx context.Context, f RechargeFilter) ([]models.RechargeRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.NotStatus != "" {
		add("status <> $%d", f.NotStatus)
	}
	if f.DriverID != "" {
		add("driver_id = $%d", f.DriverID)
	}
	q := `SELECT ` + rechargeColumns + ` FROM recharges`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, classify("list recharges", err)
	}
	defer rows.Close()
	out := make([]models.RechargeRequest, 0)
	for rows.Next() {
		r, err := scanRecharge(rows)
		if err != nil {
			return nil, classify("list recharges", err)
		}
		out = append(out, *r)
	}
	return out, classify("list recharges", rows.Err())
}

func (p *PostgresStore) DecideRecharge(ctx context.Context, id string, status models.RechargeStatus) (*models.RechargeRequest, error) {
	r, err := scanRecharge(p.db.QueryRowContext(ctx, `UPDATE recharges SET status = $1
		WHERE id = $2 AND status = 'pending'
		RETURNING `+rechargeColumns, status, id))
	return conditional(r, err, "decide recharge")
}

func (p *PostgresStore) SettleTrip(ctx context.Context, tripID, driverID string) (Settlement, error) {
	s := Settlement{TripID: tripID}
	err := p.db.QueryRowContext(ctx, `SELECT price, commission, net, balance FROM settle_trip($1, $2, $3)`,
		tripID, driverID, p.commissionRate).Scan(&s.Price, &s.Commission, &s.Net, &s.Balance)
	if err != nil {
		return Settlement{}, classify("settle trip", procedureError(err))
	}
	return s, nil
}

// ApproveRecharge approves a pending request and credits its amount in one
// transaction. It returns (nil, 0, nil) when the request is not pending.
func (p *PostgresStore) ApproveRecharge(ctx context.Context, id string) (*models.RechargeRequest, float64, error) {
	var balance sql.NullFloat64
	r, err := scanRechargeWith(p.db.QueryRowContext(ctx, `SELECT `+rechargeColumns+`, balance FROM approve_recharge($1)`, id), &balance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, classify("approve recharge", procedureError(err))
	}
	return r, balance.Float64, nil
}

func (p *PostgresStore) CreditBalance(ctx context.Context, driverID string, amount float64) (float64, error) {
	var balance float64
	err := p.db.QueryRowContext(ctx, `SELECT credit_balance($1, $2)`, driverID, amount).Scan(&balance)
	if err != nil {
		return 0, classify("credit balance", procedureError(err))
	}
	return balance, nil
}

// procedureError maps the SQLSTATEs raised by the ledger functions.
func procedureError(err error) error {
	var pe *pq.Error
	if !errors.As(err, &pe) {
		return err
	}
	switch pe.Code.Name() {
	case "no_data_found":
		return fmt.Errorf("%s: %w", pe.Message, ErrNotFound)
	case "object_not_in_prerequisite_state":
		return fmt.Errorf("%s: %w", pe.Message, ErrConflict)
	}
	return err
}

func statusStrings(in []models.TripStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func (p *PostgresStore) getZone(ctx context.Context, id string) (*models.Zone, error) {
	z, err := scanZone(p.db.QueryRowContext(ctx, `SELECT id, name, base_fare, commission_pct, ring FROM zones WHERE id = $1`, id))
	return mustExist(z, err, "zone", id)
}
