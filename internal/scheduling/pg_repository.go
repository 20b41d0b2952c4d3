package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/care-scheduling/internal/db"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type PgRepository struct {
	pool   *pgxpool.Pool
	q      querier
	policy db.RetryPolicy
	inTx   bool
}

var _ Repository = (*PgRepository)(nil)

func NewPgRepository(pool *pgxpool.Pool, policy db.RetryPolicy) *PgRepository {
	return &PgRepository{pool: pool, q: pool, policy: policy}
}

// Helpers

const appointmentColumns = `id, patient_id, provider_id, appointment_date, start_minute, duration_minutes,
	status, reason, patient_notes, provider_notes, prescription, cancellation_reason,
	rating, review_text, follow_up_required, follow_up_date, created_at, updated_at`

const slotColumns = `id, provider_id, slot_date, start_minute, duration_minutes,
	is_available, is_blocked, block_reason, created_at, updated_at`

const windowColumns = `provider_id, day_of_week, start_minute, end_minute, is_available, updated_at`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var start int
	var status string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.Date,
		&start,
		&a.DurationMinutes,
		&status,
		&a.Reason,
		&a.PatientNotes,
		&a.ProviderNotes,
		&a.Prescription,
		&a.CancellationReason,
		&a.Rating,
		&a.ReviewText,
		&a.FollowUpRequired,
		&a.FollowUpDate,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	a.Time = Clock(start)
	a.Status = Status(status)
	a.Date = DateOf(a.Date)
	return &a, nil
}

func scanSlot(row pgx.Row) (*TimeSlot, error) {
	var s TimeSlot
	var start int

	err := row.Scan(
		&s.ID,
		&s.ProviderID,
		&s.Date,
		&start,
		&s.DurationMinutes,
		&s.IsAvailable,
		&s.IsBlocked,
		&s.BlockReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	s.Time = Clock(start)
	s.Date = DateOf(s.Date)
	return &s, nil
}

func scanWindow(row pgx.Row) (*AvailabilityWindow, error) {
	var w AvailabilityWindow
	var day, start, end int

	err := row.Scan(&w.ProviderID, &day, &start, &end, &w.IsAvailable, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	w.DayOfWeek = time.Weekday(day)
	w.Start = Clock(start)
	w.End = Clock(end)
	return &w, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// read retries transient failures; write only retries what never reached
// the server. Inside a transaction nothing is retried.
func (r *PgRepository) read(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.run(ctx, true, fn)
}

func (r *PgRepository) write(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.run(ctx, false, fn)
}

func (r *PgRepository) run(ctx context.Context, idempotent bool, fn func(ctx context.Context) error) error {
	var err error
	if r.inTx {
		err = fn(ctx)
	} else {
		err = db.Retry(ctx, r.policy, idempotent, fn)
	}
	return unavailable(err)
}

func unavailable(err error) error {
	if err != nil && db.IsTransient(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func notFound(err error, resource string, id string) error {
	if errors.Is(err, ErrNotFound) {
		return &NotFoundError{Resource: resource, ID: id}
	}
	return err
}

// WithinReservation opens one transaction and takes transaction-scoped
// advisory locks on keys in sorted order before running fn.
func (r *PgRepository) WithinReservation(ctx context.Context, keys []string, fn func(ctx context.Context, tx Repository) error) error {
	if r.inTx {
		return fn(ctx, r)
	}

	if r.policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.policy.Timeout)
		defer cancel()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return unavailable(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	for _, key := range dedupeKeys(keys) {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return unavailable(fmt.Errorf("acquire reservation %s: %w", key, err))
		}
	}

	txRepo := &PgRepository{pool: r.pool, q: tx, policy: r.policy, inTx: true}
	if err := fn(ctx, txRepo); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable(fmt.Errorf("commit reservation: %w", err))
	}
	return nil
}

// Directory

func (r *PgRepository) GetProvider(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	err := r.read(ctx, func(ctx context.Context) error {
		err := r.q.QueryRow(ctx, `
			SELECT id, name, specialty, created_at, updated_at
			FROM providers
			WHERE id = $1
		`, id).Scan(&p.ID, &p.Name, &p.Specialty, &p.CreatedAt, &p.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return &NotFoundError{Resource: "provider", ID: id.String()}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PgRepository) UpsertProvider(ctx context.Context, p Provider) (*Provider, error) {
	var out Provider
	err := r.write(ctx, func(ctx context.Context) error {
		return r.q.QueryRow(ctx, `
			INSERT INTO providers (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name,
			    specialty = EXCLUDED.specialty,
			    updated_at = now()
			RETURNING id, name, specialty, created_at, updated_at
		`, p.ID, p.Name, p.Specialty).Scan(&out.ID, &out.Name, &out.Specialty, &out.CreatedAt, &out.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *PgRepository) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	err := r.read(ctx, func(ctx context.Context) error {
		err := r.q.QueryRow(ctx, `
			SELECT id, name, email, created_at, updated_at
			FROM patients
			WHERE id = $1
		`, id).Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return &NotFoundError{Resource: "patient", ID: id.String()}
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpsertPatient is used by seeding tools; the service never writes patients.
func (r *PgRepository) UpsertPatient(ctx context.Context, p Patient) (*Patient, error) {
	var out Patient
	err := r.write(ctx, func(ctx context.Context) error {
		return r.q.QueryRow(ctx, `
			INSERT INTO patients (id, name, email, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name,
			    email = EXCLUDED.email,
			    updated_at = now()
			RETURNING id, name, email, created_at, updated_at
		`, p.ID, p.Name, p.Email).Scan(&out.ID, &out.Name, &out.Email, &out.CreatedAt, &out.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Availability

func (r *PgRepository) GetWindows(ctx context.Context, providerID uuid.UUID, day time.Weekday) ([]AvailabilityWindow, error) {
	var out []AvailabilityWindow
	err := r.read(ctx, func(ctx context.Context) error {
		rows, err := r.q.Query(ctx, `
			SELECT `+windowColumns+`
			FROM availability_windows
			WHERE provider_id = $1 AND day_of_week = $2
			ORDER BY start_minute
		`, providerID, int(day))
		if err != nil {
			return err
		}
		out, err = collect(rows, scanWindow)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get availability windows: %w", err)
	}
	return out, nil
}

func (r *PgRepository) ListWindows(ctx context.Context, providerID uuid.UUID) ([]AvailabilityWindow, error) {
	var out []AvailabilityWindow
	err := r.read(ctx, func(ctx context.Context) error {
		rows, err := r.q.Query(ctx, `
			SELECT `+windowColumns+`
			FROM availability_windows
			WHERE provider_id = $1
			ORDER BY day_of_week, start_minute
		`, providerID)
		if err != nil {
			return err
		}
		out, err = collect(rows, scanWindow)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list availability windows: %w", err)
	}
	return out, nil
}

func (r *PgRepository) UpsertWindow(ctx context.Context, w AvailabilityWindow) (*AvailabilityWindow, error) {
	var out *AvailabilityWindow
	err := r.write(ctx, func(ctx context.Context) error {
		var err error
		out, err = scanWindow(r.q.QueryRow(ctx, `
			INSERT INTO availability_windows (provider_id, day_of_week, start_minute, end_minute, is_available, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (provider_id, day_of_week, start_minute) DO UPDATE
			SET end_minute = EXCLUDED.end_minute,
			    is_available = EXCLUDED.is_available,
			    updated_at = now()
			RETURNING `+windowColumns,
			w.ProviderID, int(w.DayOfWeek), int(w.Start), int(w.End), w.IsAvailable))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert availability window: %w", err)
	}
	return out, nil
}

// Time slots

func (r *PgRepository) GetSlots(ctx context.Context, providerID uuid.UUID, date time.Time) ([]TimeSlot, error) {
	return r.ListSlotsInRange(ctx, providerID, date, date)
}

func (r *PgRepository) ListSlotsInRange(ctx context.Context, providerID uuid.UUID, start, end time.Time) ([]TimeSlot, error) {
	var out []TimeSlot
	err := r.read(ctx, func(ctx context.Context) error {
		rows, err := r.q.Query(ctx, `
			SELECT `+slotColumns+`
			FROM time_slots
			WHERE provider_id = $1 AND slot_date BETWEEN $2 AND $3
			ORDER BY slot_date, start_minute
		`, providerID, DateOf(start), DateOf(end))
		if err != nil {
			return err
		}
		out, err = collect(rows, scanSlot)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list time slots: %w", err)
	}
	return out, nil
}

func (r *PgRepository) UpsertSlot(ctx context.Context, slot TimeSlot) (*TimeSlot, error) {
	if slot.ID == uuid.Nil {
		slot.ID = uuid.New()
	}

	var out *TimeSlot
	err := r.write(ctx, func(ctx context.Context) error {
		var err error
		out, err = scanSlot(r.q.QueryRow(ctx, `
			INSERT INTO time_slots (id, provider_id, slot_date, start_minute, duration_minutes,
			                        is_available, is_blocked, block_reason, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
			ON CONFLICT (provider_id, slot_date, start_minute) DO UPDATE
			SET duration_minutes = EXCLUDED.duration_minutes,
			    is_available = EXCLUDED.is_available,
			    is_blocked = EXCLUDED.is_blocked,
			    block_reason = EXCLUDED.block_reason,
			    updated_at = now()
			RETURNING `+slotColumns,
			slot.ID, slot.ProviderID, DateOf(slot.Date), int(slot.Time), slot.DurationMinutes,
			slot.IsAvailable, slot.IsBlocked, slot.BlockReason))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upsert time slot: %w", err)
	}
	return out, nil
}

func (r *PgRepository) BulkCreateSlots(ctx context.Context, slots []TimeSlot) (int, error) {
	if len(slots) == 0 {
		return 0, nil
	}

	created := 0
	err := r.write(ctx, func(ctx context.Context) error {
		batch := &pgx.Batch{}
		for _, s := range slots {
			batch.Queue(`
				INSERT INTO time_slots (id, provider_id, slot_date, start_minute, duration_minutes,
				                        is_available, is_blocked, block_reason, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
				ON CONFLICT (provider_id, slot_date, start_minute) DO NOTHING
			`, uuid.New(), s.ProviderID, DateOf(s.Date), int(s.Time), s.DurationMinutes,
				s.IsAvailable, s.IsBlocked, s.BlockReason)
		}

		br := r.q.SendBatch(ctx, batch)
		defer br.Close()

		created = 0
		for range slots {
			tag, err := br.Exec()
			if err != nil {
				return err
			}
			created += int(tag.RowsAffected())
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk create time slots: %w", err)
	}
	return created, nil
}

func (r *PgRepository) BlockSlot(ctx context.Context, providerID uuid.UUID, date time.Time, at Clock, durationMinutes int, reason string) (*TimeSlot, error) {
	var br *string
	if reason != "" {
		br = &reason
	}
	return r.UpsertSlot(ctx, TimeSlot{
		ProviderID:      providerID,
		Date:            date,
		Time:            at,
		DurationMinutes: durationMinutes,
		IsAvailable:     false,
		IsBlocked:       true,
		BlockReason:     br,
	})
}

func (r *PgRepository) UnblockSlot(ctx context.Context, providerID uuid.UUID, date time.Time, at Clock) (*TimeSlot, error) {
	var out *TimeSlot
	err := r.write(ctx, func(ctx context.Context) error {
		var err error
		out, err = scanSlot(r.q.QueryRow(ctx, `
			UPDATE time_slots
			SET is_blocked = false,
			    is_available = true,
			    block_reason = NULL,
			    updated_at = now()
			WHERE provider_id = $1 AND slot_date = $2 AND start_minute = $3 AND is_blocked
			RETURNING `+slotColumns,
			providerID, DateOf(date), int(at)))
		return err
	})
	if err != nil {
		return nil, notFound(err, "blocked time slot", FormatDate(date)+" "+at.String())
	}
	return out, nil
}

// Appointments

func (r *PgRepository) QueryAppointments(ctx context.Context, f AppointmentFilter) ([]Appointment, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, val any) {
		args = append(args, val)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}

	if f.ProviderID != nil {
		add("provider_id = $%d", *f.ProviderID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.From != nil {
		add("appointment_date >= $%d", DateOf(*f.From))
	}
	if f.To != nil {
		add("appointment_date <= $%d", DateOf(*f.To))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}

	sql := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += ` ORDER BY appointment_date, start_minute, created_at`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	var out []Appointment
	err := r.read(ctx, func(ctx context.Context) error {
		rows, err := r.q.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		out, err = collect(rows, scanAppointment)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("query appointments: %w", err)
	}
	return out, nil
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var out *Appointment
	err := r.read(ctx, func(ctx context.Context) error {
		var err error
		out, err = scanAppointment(r.q.QueryRow(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE id = $1
		`, id))
		return err
	})
	if err != nil {
		return nil, notFound(err, "appointment", id.String())
	}
	return out, nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.Date = DateOf(a.Date)

	err := r.write(ctx, func(ctx context.Context) error {
		return r.q.QueryRow(ctx, `
			INSERT INTO appointments (id, patient_id, provider_id, appointment_date, start_minute,
			                          duration_minutes, status, reason, patient_notes, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, now()), now())
			RETURNING created_at, updated_at
		`, a.ID, a.PatientID, a.ProviderID, a.Date, int(a.Time), a.DurationMinutes,
			string(a.Status), a.Reason, a.PatientNotes, nullableTime(a.CreatedAt),
		).Scan(&a.CreatedAt, &a.UpdatedAt)
	})
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from Status, upd StatusUpdate) (*Appointment, error) {
	var out *Appointment
	err := r.write(ctx, func(ctx context.Context) error {
		var err error
		out, err = scanAppointment(r.q.QueryRow(ctx, `
			UPDATE appointments
			SET status = $2,
			    provider_notes = COALESCE($3, provider_notes),
			    prescription = COALESCE($4, prescription),
			    cancellation_reason = COALESCE($5, cancellation_reason),
			    follow_up_required = COALESCE($6, follow_up_required),
			    follow_up_date = COALESCE($7, follow_up_date),
			    updated_at = now()
			WHERE id = $1
			  AND status = $8
			RETURNING `+appointmentColumns,
			id, string(upd.To), upd.ProviderNotes, upd.Prescription, upd.CancellationReason,
			upd.FollowUpRequired, upd.FollowUpDate, string(from)))
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, r.staleOrMissing(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update appointment status: %w", err)
	}
	return out, nil
}

func (r *PgRepository) UpdateAppointment(ctx context.Context, a *Appointment, expect Status) (*Appointment, error) {
	var out *Appointment
	err := r.write(ctx, func(ctx context.Context) error {
		var err error
		out, err = scanAppointment(r.q.QueryRow(ctx, `
			UPDATE appointments
			SET appointment_date = $2,
			    start_minute = $3,
			    patient_notes = $4,
			    provider_notes = $5,
			    updated_at = now()
			WHERE id = $1
			  AND status = $6
			RETURNING `+appointmentColumns,
			a.ID, DateOf(a.Date), int(a.Time), a.PatientNotes, a.ProviderNotes, string(expect)))
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return nil, r.staleOrMissing(ctx, a.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("update appointment: %w", err)
	}
	return out, nil
}

func (r *PgRepository) SetRating(ctx context.Context, id uuid.UUID, rating int, review *string) (*Appointment, error) {
	var out *Appointment
	err := r.write(ctx, func(ctx context.Context) error {
		var err error
		out, err = scanAppointment(r.q.QueryRow(ctx, `
			UPDATE appointments
			SET rating = $2,
			    review_text = $3,
			    updated_at = now()
			WHERE id = $1
			  AND status = 'completed'
			  AND rating IS NULL
			RETURNING `+appointmentColumns,
			id, rating, review))
		return err
	})
	if errors.Is(err, ErrNotFound) {
		cur, getErr := r.GetAppointment(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		if cur.Rating != nil {
			return nil, ErrAlreadyRated
		}
		return nil, ErrStaleWrite
	}
	if err != nil {
		return nil, fmt.Errorf("set rating: %w", err)
	}
	return out, nil
}

// staleOrMissing explains why a conditional update matched no row.
func (r *PgRepository) staleOrMissing(ctx context.Context, id uuid.UUID) error {
	if _, err := r.GetAppointment(ctx, id); err != nil {
		return err
	}
	return ErrStaleWrite
}

// Events

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	err := r.write(ctx, func(ctx context.Context) error {
		_, err := r.q.Exec(ctx, `
			INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
			VALUES ($1, $2, $3, COALESCE($4, now()))
		`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
