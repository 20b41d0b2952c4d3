package api

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/care-scheduling/internal/scheduling"
)

// ActorRequest is the requestedBy field. Clients may send an object
// {"role":"patient","id":"..."} or a bare role string, which only makes sense
// for "system".
type ActorRequest struct {
	Role string `json:"role"`
	ID   string `json:"id"`
}

func (a *ActorRequest) UnmarshalJSON(b []byte) error {
	var role string
	if err := json.Unmarshal(b, &role); err == nil {
		a.Role = role
		return nil
	}
	type plain ActorRequest
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return errors.New("requestedBy must be a role string or {role, id}")
	}
	*a = ActorRequest(p)
	return nil
}

type CreateAppointmentRequest struct {
	PatientID    string  `json:"patientId"`
	ProviderID   string  `json:"providerId"`
	Date         string  `json:"date"`
	Time         string  `json:"time"`
	Duration     int     `json:"duration"`
	Reason       string  `json:"reason"`
	PatientNotes *string `json:"patientNotes,omitempty"`
}

type StatusUpdateRequest struct {
	NewStatus   string       `json:"newStatus"`
	RequestedBy ActorRequest `json:"requestedBy"`
	Notes       *string      `json:"notes,omitempty"`
}

type RescheduleRequest struct {
	Date        string       `json:"date"`
	Time        string       `json:"time"`
	RequestedBy ActorRequest `json:"requestedBy"`
}

type CancelRequest struct {
	RequestedBy ActorRequest `json:"requestedBy"`
	Reason      *string      `json:"reason,omitempty"`
}

type CompleteRequest struct {
	ProviderID       string  `json:"providerId"`
	ProviderNotes    *string `json:"providerNotes,omitempty"`
	Prescription     *string `json:"prescription,omitempty"`
	FollowUpRequired *bool   `json:"followUpRequired,omitempty"`
	FollowUpDate     *string `json:"followUpDate,omitempty"`
}

type RatingRequest struct {
	PatientID string  `json:"patientId"`
	Rating    int     `json:"rating"`
	Review    *string `json:"review,omitempty"`
}

type ConflictCheckRequest struct {
	ProviderID           string  `json:"providerId"`
	PatientID            string  `json:"patientId"`
	Date                 string  `json:"date"`
	Time                 string  `json:"time"`
	Duration             int     `json:"duration"`
	ExcludeAppointmentID *string `json:"excludeAppointmentId,omitempty"`
}

type BlockSlotRequest struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Duration int    `json:"duration"`
	Reason   string `json:"reason"`
}

type UnblockSlotRequest struct {
	Date string `json:"date"`
	Time string `json:"time"`
}

type MaterializeRequest struct {
	Start    string `json:"start"`
	End      string `json:"end"`
	Duration int    `json:"duration"`
	Buffer   int    `json:"buffer"`
}

type AvailabilityWindowDTO struct {
	DayOfWeek   int    `json:"dayOfWeek"`
	StartTime   string `json:"startTime"`
	EndTime     string `json:"endTime"`
	IsAvailable *bool  `json:"isAvailable,omitempty"`
}

type AvailabilityRequest struct {
	Windows []AvailabilityWindowDTO `json:"windows"`
}

// ProviderDTO is the single provider shape on the wire. Ingress also accepts
// the assistant payload keys doctor_id, full_name and speciality.
type ProviderDTO struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Specialty *string `json:"specialty,omitempty"`
}

func (p *ProviderDTO) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID         string  `json:"id"`
		Name       string  `json:"name"`
		Specialty  *string `json:"specialty"`
		DoctorID   string  `json:"doctor_id"`
		FullName   string  `json:"full_name"`
		Speciality *string `json:"speciality"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	p.ID = firstNonEmpty(raw.ID, raw.DoctorID)
	p.Name = firstNonEmpty(raw.Name, raw.FullName)
	p.Specialty = raw.Specialty
	if p.Specialty == nil {
		p.Specialty = raw.Speciality
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type AppointmentResponse struct {
	ID                 uuid.UUID `json:"id"`
	PatientID          uuid.UUID `json:"patientId"`
	ProviderID         uuid.UUID `json:"providerId"`
	Date               string    `json:"date"`
	Time               string    `json:"time"`
	Duration           int       `json:"duration"`
	Status             string    `json:"status"`
	Reason             string    `json:"reason"`
	PatientNotes       *string   `json:"patientNotes,omitempty"`
	ProviderNotes      *string   `json:"providerNotes,omitempty"`
	Prescription       *string   `json:"prescription,omitempty"`
	CancellationReason *string   `json:"cancellationReason,omitempty"`
	Rating             *int      `json:"rating,omitempty"`
	ReviewText         *string   `json:"reviewText,omitempty"`
	FollowUpRequired   *bool     `json:"followUpRequired,omitempty"`
	FollowUpDate       *string   `json:"followUpDate,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

func toAppointmentResponse(a scheduling.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		ProviderID:         a.ProviderID,
		Date:               scheduling.FormatDate(a.Date),
		Time:               a.Time.String(),
		Duration:           a.DurationMinutes,
		Status:             string(a.Status),
		Reason:             a.Reason,
		PatientNotes:       a.PatientNotes,
		ProviderNotes:      a.ProviderNotes,
		Prescription:       a.Prescription,
		CancellationReason: a.CancellationReason,
		Rating:             a.Rating,
		ReviewText:         a.ReviewText,
		FollowUpRequired:   a.FollowUpRequired,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
	if a.FollowUpDate != nil {
		d := scheduling.FormatDate(*a.FollowUpDate)
		resp.FollowUpDate = &d
	}
	return resp
}

func toAppointmentResponses(appts []scheduling.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(appts))
	for _, a := range appts {
		out = append(out, toAppointmentResponse(a))
	}
	return out
}

type AvailableSlotResponse struct {
	Date        string  `json:"date"`
	Time        string  `json:"time"`
	Duration    int     `json:"duration"`
	IsAvailable bool    `json:"isAvailable"`
	IsBlocked   bool    `json:"isBlocked"`
	BlockReason *string `json:"blockReason,omitempty"`
	HasConflict bool    `json:"hasConflict"`
}

func toAvailableSlots(slots []scheduling.AvailableTimeSlot) []AvailableSlotResponse {
	out := make([]AvailableSlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, AvailableSlotResponse{
			Date:        scheduling.FormatDate(s.Date),
			Time:        s.Time.String(),
			Duration:    s.DurationMinutes,
			IsAvailable: s.IsAvailable,
			IsBlocked:   s.IsBlocked,
			BlockReason: s.BlockReason,
			HasConflict: s.HasConflict,
		})
	}
	return out
}

type TimeSlotResponse struct {
	ID          uuid.UUID `json:"id"`
	ProviderID  uuid.UUID `json:"providerId"`
	Date        string    `json:"date"`
	Time        string    `json:"time"`
	Duration    int       `json:"duration"`
	IsAvailable bool      `json:"isAvailable"`
	IsBlocked   bool      `json:"isBlocked"`
	BlockReason *string   `json:"blockReason,omitempty"`
}

func toTimeSlotResponse(s scheduling.TimeSlot) TimeSlotResponse {
	return TimeSlotResponse{
		ID:          s.ID,
		ProviderID:  s.ProviderID,
		Date:        scheduling.FormatDate(s.Date),
		Time:        s.Time.String(),
		Duration:    s.DurationMinutes,
		IsAvailable: s.IsAvailable,
		IsBlocked:   s.IsBlocked,
		BlockReason: s.BlockReason,
	}
}

func toWindowDTOs(ws []scheduling.AvailabilityWindow) []AvailabilityWindowDTO {
	out := make([]AvailabilityWindowDTO, 0, len(ws))
	for _, w := range ws {
		available := w.IsAvailable
		out = append(out, AvailabilityWindowDTO{
			DayOfWeek:   int(w.DayOfWeek),
			StartTime:   w.Start.String(),
			EndTime:     w.End.String(),
			IsAvailable: &available,
		})
	}
	return out
}

func toProviderDTO(p scheduling.Provider) ProviderDTO {
	return ProviderDTO{ID: p.ID.String(), Name: p.Name, Specialty: p.Specialty}
}

type ConflictResponse struct {
	HasConflict             bool                    `json:"hasConflict"`
	ConflictingAppointments []AppointmentResponse   `json:"conflictingAppointments"`
	SuggestedAlternatives   []AvailableSlotResponse `json:"suggestedAlternatives"`
}

type MaterializeResponse struct {
	Created int `json:"created"`
}

type ErrorResponse struct {
	Error                 string                  `json:"error"`
	Details               string                  `json:"details,omitempty"`
	Fields                map[string]string       `json:"fields,omitempty"`
	Conflicts             []AppointmentResponse   `json:"conflicts,omitempty"`
	SuggestedAlternatives []AvailableSlotResponse `json:"suggestedAlternatives,omitempty"`
}

// fieldParser collects ingress parse failures into one ValidationError.
type fieldParser struct {
	ve scheduling.ValidationError
}

func (p *fieldParser) uuid(field, s string) uuid.UUID {
	if strings.TrimSpace(s) == "" {
		p.ve.Add(field, "is required")
		return uuid.Nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		p.ve.Add(field, "must be a valid UUID")
		return uuid.Nil
	}
	return id
}

func (p *fieldParser) optionalUUID(field string, s *string) *uuid.UUID {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	id := p.uuid(field, *s)
	if id == uuid.Nil {
		return nil
	}
	return &id
}

func (p *fieldParser) date(field, s string) time.Time {
	if strings.TrimSpace(s) == "" {
		p.ve.Add(field, "is required")
		return time.Time{}
	}
	d, err := scheduling.ParseDate(s)
	if err != nil {
		p.ve.Add(field, "must be a date in YYYY-MM-DD format")
		return time.Time{}
	}
	return d
}

func (p *fieldParser) optionalDate(field string, s *string) *time.Time {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	d := p.date(field, *s)
	if d.IsZero() {
		return nil
	}
	return &d
}

func (p *fieldParser) clock(field, s string) scheduling.Clock {
	if strings.TrimSpace(s) == "" {
		p.ve.Add(field, "is required")
		return 0
	}
	c, err := scheduling.ParseClock(s)
	if err != nil {
		p.ve.Add(field, "must be a time in HH:MM format")
		return 0
	}
	return c
}

func (p *fieldParser) actor(field string, a ActorRequest) scheduling.Actor {
	role, err := scheduling.ParseRole(strings.ToLower(strings.TrimSpace(a.Role)))
	if err != nil {
		p.ve.Add(field, "role must be one of patient, provider, system")
		return scheduling.Actor{}
	}
	if role == scheduling.RoleSystem {
		return scheduling.Actor{Role: role}
	}
	return scheduling.Actor{Role: role, ID: p.uuid(field+".id", a.ID)}
}

func (p *fieldParser) err() error {
	return p.ve.Err()
}

func (r AvailabilityRequest) toWindows(p *fieldParser) []scheduling.AvailabilityWindow {
	out := make([]scheduling.AvailabilityWindow, 0, len(r.Windows))
	for _, w := range r.Windows {
		available := true
		if w.IsAvailable != nil {
			available = *w.IsAvailable
		}
		out = append(out, scheduling.AvailabilityWindow{
			DayOfWeek:   time.Weekday(w.DayOfWeek),
			Start:       p.clock("startTime", w.StartTime),
			End:         p.clock("endTime", w.EndTime),
			IsAvailable: available,
		})
	}
	return out
}
