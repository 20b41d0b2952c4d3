package scheduling

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type slotKey struct {
	providerID uuid.UUID
	date       string
	at         Clock
}

type windowKey struct {
	providerID uuid.UUID
	day        time.Weekday
	start      Clock
}

type memoryState struct {
	providers    map[uuid.UUID]Provider
	patients     map[uuid.UUID]Patient
	windows      map[windowKey]AvailabilityWindow
	slots        map[slotKey]TimeSlot
	appointments map[uuid.UUID]Appointment
	events       []EventLog
}

// bookings copies the parts a reservation may write.
func (st *memoryState) bookings() (map[slotKey]TimeSlot, map[uuid.UUID]Appointment) {
	slots := make(map[slotKey]TimeSlot, len(st.slots))
	for k, v := range st.slots {
		slots[k] = v
	}
	appts := make(map[uuid.UUID]Appointment, len(st.appointments))
	for k, v := range st.appointments {
		appts[k] = v
	}
	return slots, appts
}

// MemoryRepository is a process-local Repository for tests, simulations and
// the memory storage driver. Reservations are serialized by one mutex and
// window, slot and appointment writes are rolled back from a snapshot when fn fails.
type MemoryRepository struct {
	mu        sync.RWMutex
	reserveMu sync.Mutex
	state     *memoryState
	nextEvent int64
	now       func() time.Time
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memoryState{
			providers:    make(map[uuid.UUID]Provider),
			patients:     make(map[uuid.UUID]Patient),
			windows:      make(map[windowKey]AvailabilityWindow),
			slots:        make(map[slotKey]TimeSlot),
			appointments: make(map[uuid.UUID]Appointment),
		},
		now: time.Now,
	}
}

func (r *MemoryRepository) WithinReservation(ctx context.Context, _ []string, fn func(ctx context.Context, tx Repository) error) error {
	r.reserveMu.Lock()
	defer r.reserveMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	slots, appts := r.state.bookings()
	windows := make(map[windowKey]AvailabilityWindow, len(r.state.windows))
	for k, v := range r.state.windows {
		windows[k] = v
	}
	r.mu.RUnlock()

	if err := fn(ctx, r); err != nil {
		r.mu.Lock()
		r.state.slots = slots
		r.state.appointments = appts
		r.state.windows = windows
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *MemoryRepository) GetProvider(_ context.Context, id uuid.UUID) (*Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.state.providers[id]
	if !ok {
		return nil, &NotFoundError{Resource: "provider", ID: id.String()}
	}
	return &p, nil
}

func (r *MemoryRepository) UpsertProvider(_ context.Context, p Provider) (*Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if existing, ok := r.state.providers[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.state.providers[p.ID] = p
	return &p, nil
}

func (r *MemoryRepository) GetPatient(_ context.Context, id uuid.UUID) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.state.patients[id]
	if !ok {
		return nil, &NotFoundError{Resource: "patient", ID: id.String()}
	}
	return &p, nil
}

// UpsertPatient is only on the memory repository; patient records are owned
// by an external profile service in postgres deployments.
func (r *MemoryRepository) UpsertPatient(_ context.Context, p Patient) (*Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if existing, ok := r.state.patients[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.state.patients[p.ID] = p
	return &p, nil
}

func (r *MemoryRepository) GetWindows(_ context.Context, providerID uuid.UUID, day time.Weekday) ([]AvailabilityWindow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AvailabilityWindow
	for k, w := range r.state.windows {
		if k.providerID == providerID && k.day == day {
			out = append(out, w)
		}
	}
	sortWindows(out)
	return out, nil
}

func (r *MemoryRepository) ListWindows(_ context.Context, providerID uuid.UUID) ([]AvailabilityWindow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []AvailabilityWindow
	for k, w := range r.state.windows {
		if k.providerID == providerID {
			out = append(out, w)
		}
	}
	sortWindows(out)
	return out, nil
}

func (r *MemoryRepository) UpsertWindow(_ context.Context, w AvailabilityWindow) (*AvailabilityWindow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w.UpdatedAt = r.now().UTC()
	r.state.windows[windowKey{w.ProviderID, w.DayOfWeek, w.Start}] = w
	return &w, nil
}

func sortWindows(ws []AvailabilityWindow) {
	sort.Slice(ws, func(i, j int) bool {
		if ws[i].DayOfWeek != ws[j].DayOfWeek {
			return ws[i].DayOfWeek < ws[j].DayOfWeek
		}
		return ws[i].Start < ws[j].Start
	})
}

func (r *MemoryRepository) GetSlots(_ context.Context, providerID uuid.UUID, date time.Time) ([]TimeSlot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	day := FormatDate(date)
	var out []TimeSlot
	for k, s := range r.state.slots {
		if k.providerID == providerID && k.date == day {
			out = append(out, s)
		}
	}
	sortSlots(out)
	return out, nil
}

func (r *MemoryRepository) ListSlotsInRange(_ context.Context, providerID uuid.UUID, start, end time.Time) ([]TimeSlot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start, end = DateOf(start), DateOf(end)
	var out []TimeSlot
	for k, s := range r.state.slots {
		if k.providerID == providerID && !s.Date.Before(start) && !s.Date.After(end) {
			out = append(out, s)
		}
	}
	sortSlots(out)
	return out, nil
}

func (r *MemoryRepository) UpsertSlot(_ context.Context, slot TimeSlot) (*TimeSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.upsertSlotLocked(slot), nil
}

func (r *MemoryRepository) upsertSlotLocked(slot TimeSlot) *TimeSlot {
	slot.Date = DateOf(slot.Date)
	key := slotKey{slot.ProviderID, FormatDate(slot.Date), slot.Time}
	now := r.now().UTC()

	if existing, ok := r.state.slots[key]; ok {
		slot.ID = existing.ID
		slot.CreatedAt = existing.CreatedAt
	} else {
		slot.ID = uuid.New()
		slot.CreatedAt = now
	}
	slot.UpdatedAt = now
	r.state.slots[key] = slot
	return &slot
}

func (r *MemoryRepository) BulkCreateSlots(_ context.Context, slots []TimeSlot) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	created := 0
	for _, s := range slots {
		key := slotKey{s.ProviderID, FormatDate(s.Date), s.Time}
		if _, ok := r.state.slots[key]; ok {
			continue
		}
		r.upsertSlotLocked(s)
		created++
	}
	return created, nil
}

func (r *MemoryRepository) BlockSlot(_ context.Context, providerID uuid.UUID, date time.Time, at Clock, durationMinutes int, reason string) (*TimeSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var br *string
	if reason != "" {
		br = &reason
	}
	return r.upsertSlotLocked(TimeSlot{
		ProviderID:      providerID,
		Date:            date,
		Time:            at,
		DurationMinutes: durationMinutes,
		IsAvailable:     false,
		IsBlocked:       true,
		BlockReason:     br,
	}), nil
}

func (r *MemoryRepository) UnblockSlot(_ context.Context, providerID uuid.UUID, date time.Time, at Clock) (*TimeSlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := slotKey{providerID, FormatDate(date), at}
	s, ok := r.state.slots[key]
	if !ok || !s.IsBlocked {
		return nil, &NotFoundError{Resource: "blocked time slot", ID: FormatDate(date) + " " + at.String()}
	}
	s.IsBlocked = false
	s.IsAvailable = true
	s.BlockReason = nil
	return r.upsertSlotLocked(s), nil
}

func sortSlots(ss []TimeSlot) {
	sort.Slice(ss, func(i, j int) bool {
		if !ss[i].Date.Equal(ss[j].Date) {
			return ss[i].Date.Before(ss[j].Date)
		}
		return ss[i].Time < ss[j].Time
	})
}

func (r *MemoryRepository) QueryAppointments(_ context.Context, f AppointmentFilter) ([]Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Appointment
	for _, a := range r.state.appointments {
		if matchesFilter(a, f) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matchesFilter(a Appointment, f AppointmentFilter) bool {
	if f.ProviderID != nil && a.ProviderID != *f.ProviderID {
		return false
	}
	if f.PatientID != nil && a.PatientID != *f.PatientID {
		return false
	}
	if f.From != nil && a.Date.Before(DateOf(*f.From)) {
		return false
	}
	if f.To != nil && a.Date.After(DateOf(*f.To)) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if a.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

func (r *MemoryRepository) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.state.appointments[id]
	if !ok {
		return nil, &NotFoundError{Resource: "appointment", ID: id.String()}
	}
	return &a, nil
}

func (r *MemoryRepository) CreateAppointment(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := r.now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	a.Date = DateOf(a.Date)
	r.state.appointments[a.ID] = *a
	return nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, from Status, upd StatusUpdate) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.state.appointments[id]
	if !ok {
		return nil, &NotFoundError{Resource: "appointment", ID: id.String()}
	}
	if a.Status != from {
		return nil, ErrStaleWrite
	}

	a.Status = upd.To
	if upd.ProviderNotes != nil {
		a.ProviderNotes = upd.ProviderNotes
	}
	if upd.Prescription != nil {
		a.Prescription = upd.Prescription
	}
	if upd.CancellationReason != nil {
		a.CancellationReason = upd.CancellationReason
	}
	if upd.FollowUpRequired != nil {
		a.FollowUpRequired = upd.FollowUpRequired
	}
	if upd.FollowUpDate != nil {
		a.FollowUpDate = upd.FollowUpDate
	}
	a.UpdatedAt = r.now().UTC()
	r.state.appointments[id] = a
	return &a, nil
}

func (r *MemoryRepository) UpdateAppointment(_ context.Context, a *Appointment, expect Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.state.appointments[a.ID]
	if !ok {
		return nil, &NotFoundError{Resource: "appointment", ID: a.ID.String()}
	}
	if cur.Status != expect {
		return nil, ErrStaleWrite
	}

	cur.Date = DateOf(a.Date)
	cur.Time = a.Time
	cur.PatientNotes = a.PatientNotes
	cur.ProviderNotes = a.ProviderNotes
	cur.UpdatedAt = r.now().UTC()
	r.state.appointments[a.ID] = cur
	return &cur, nil
}

func (r *MemoryRepository) SetRating(_ context.Context, id uuid.UUID, rating int, review *string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.state.appointments[id]
	if !ok {
		return nil, &NotFoundError{Resource: "appointment", ID: id.String()}
	}
	if a.Status != StatusCompleted {
		return nil, ErrStaleWrite
	}
	if a.Rating != nil {
		return nil, ErrAlreadyRated
	}

	a.Rating = &rating
	a.ReviewText = review
	a.UpdatedAt = r.now().UTC()
	r.state.appointments[id] = a
	return &a, nil
}

func (r *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextEvent++
	ev.ID = r.nextEvent
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.now().UTC()
	}
	r.state.events = append(r.state.events, ev)
	return nil
}

// Events returns the recorded event log in insertion order.
func (r *MemoryRepository) Events() []EventLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]EventLog(nil), r.state.events...)
}
