package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/care-scheduling/internal/scheduling"
)

func idParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func intQuery(p *fieldParser, r *http.Request, field string) int {
	raw := r.URL.Query().Get(field)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.ve.Add(field, "must be an integer")
		return 0
	}
	return n
}

func listSlotsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := idParam(w, r, "id")
		if !ok {
			return
		}

		var p fieldParser
		q := r.URL.Query()
		query := scheduling.SlotQuery{
			ProviderID:      providerID,
			Start:           p.date("start", q.Get("start")),
			End:             p.date("end", q.Get("end")),
			DurationMinutes: intQuery(&p, r, "duration"),
			BufferMinutes:   intQuery(&p, r, "buffer"),
		}
		if raw := q.Get("patientId"); raw != "" {
			id := p.uuid("patientId", raw)
			query.PatientID = &id
		}
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		slots, err := svc.ListSlots(r.Context(), query)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAvailableSlots(slots))
	}
}

func materializeSlotsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var req MaterializeRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var p fieldParser
		query := scheduling.SlotQuery{
			ProviderID:      providerID,
			Start:           p.date("start", req.Start),
			End:             p.date("end", req.End),
			DurationMinutes: req.Duration,
			BufferMinutes:   req.Buffer,
		}
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		created, err := svc.MaterializeSlots(r.Context(), query)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, MaterializeResponse{Created: created})
	}
}

func blockSlotHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var req BlockSlotRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var p fieldParser
		block := scheduling.BlockRequest{
			ProviderID:      providerID,
			Date:            p.date("date", req.Date),
			Time:            p.clock("time", req.Time),
			DurationMinutes: req.Duration,
			Reason:          req.Reason,
		}
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		slot, err := svc.BlockSlot(r.Context(), block)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toTimeSlotResponse(*slot))
	}
}

func unblockSlotHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var req UnblockSlotRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var p fieldParser
		date := p.date("date", req.Date)
		at := p.clock("time", req.Time)
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		slot, err := svc.UnblockSlot(r.Context(), providerID, date, at)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toTimeSlotResponse(*slot))
	}
}

func setAvailabilityHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var req AvailabilityRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var p fieldParser
		windows := req.toWindows(&p)
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		saved, err := svc.SetAvailability(r.Context(), providerID, windows)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toWindowDTOs(saved))
	}
}

func listAvailabilityHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		windows, err := svc.ListAvailability(r.Context(), providerID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toWindowDTOs(windows))
	}
}

func upsertProviderHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var dto ProviderDTO
		if !decodeJSON(w, r, &dto) {
			return
		}
		if dto.ID != "" && dto.ID != providerID.String() {
			handleServiceError(w, r, scheduling.NewValidationError("id", "must match the provider in the path"))
			return
		}

		saved, err := svc.UpsertProvider(r.Context(), scheduling.Provider{
			ID:        providerID,
			Name:      strings.TrimSpace(dto.Name),
			Specialty: dto.Specialty,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toProviderDTO(*saved))
	}
}

func statsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		providerID, ok := idParam(w, r, "id")
		if !ok {
			return
		}

		var p fieldParser
		q := r.URL.Query()
		start := p.date("start", q.Get("start"))
		end := p.date("end", q.Get("end"))
		duration := intQuery(&p, r, "duration")
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		stats, err := svc.Stats(r.Context(), providerID, start, end, duration)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

func createAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var p fieldParser
		create := scheduling.CreateAppointmentRequest{
			PatientID:       p.uuid("patientId", req.PatientID),
			ProviderID:      p.uuid("providerId", req.ProviderID),
			Date:            p.date("date", req.Date),
			Time:            p.clock("time", req.Time),
			DurationMinutes: req.Duration,
			Reason:          req.Reason,
			PatientNotes:    req.PatientNotes,
		}
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		appt, err := svc.CreateAppointment(r.Context(), create)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toAppointmentResponse(*appt))
	}
}

func listAppointmentsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p fieldParser
		q := r.URL.Query()

		var f scheduling.AppointmentFilter
		if raw := q.Get("patientId"); raw != "" {
			id := p.uuid("patientId", raw)
			f.PatientID = &id
		}
		if raw := q.Get("providerId"); raw != "" {
			id := p.uuid("providerId", raw)
			f.ProviderID = &id
		}
		if raw := q.Get("start"); raw != "" {
			d := p.date("start", raw)
			f.From = &d
		}
		if raw := q.Get("end"); raw != "" {
			d := p.date("end", raw)
			f.To = &d
		}
		for _, raw := range q["status"] {
			for _, s := range strings.Split(raw, ",") {
				st, err := scheduling.ParseStatus(strings.TrimSpace(s))
				if err != nil {
					p.ve.Add("status", err.Error())
					continue
				}
				f.Statuses = append(f.Statuses, st)
			}
		}
		f.Limit = intQuery(&p, r, "limit")
		f.Offset = intQuery(&p, r, "offset")
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		appts, err := svc.ListAppointments(r.Context(), f)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponses(appts))
	}
}

func getAppointmentHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func checkConflictsHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ConflictCheckRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var p fieldParser
		query := scheduling.ConflictQuery{
			ProviderID:           p.uuid("providerId", req.ProviderID),
			PatientID:            p.uuid("patientId", req.PatientID),
			Date:                 p.date("date", req.Date),
			Time:                 p.clock("time", req.Time),
			DurationMinutes:      req.Duration,
			ExcludeAppointmentID: p.optionalUUID("excludeAppointmentId", req.ExcludeAppointmentID),
		}
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		result, err := svc.CheckConflicts(r.Context(), query)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, ConflictResponse{
			HasConflict:             result.HasConflict,
			ConflictingAppointments: toAppointmentResponses(result.ConflictingAppointments),
			SuggestedAlternatives:   toAvailableSlots(result.SuggestedAlternatives),
		})
	}
}

func updateStatusHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var req StatusUpdateRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var p fieldParser
		actor := p.actor("requestedBy", req.RequestedBy)
		to, err := scheduling.ParseStatus(strings.ToLower(strings.TrimSpace(req.NewStatus)))
		if err != nil {
			p.ve.Add("newStatus", err.Error())
		}
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		appt, err := svc.UpdateStatus(r.Context(), id, to, actor, req.Notes)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func rescheduleHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var p fieldParser
		move := scheduling.RescheduleRequest{
			Date:        p.date("date", req.Date),
			Time:        p.clock("time", req.Time),
			RequestedBy: p.actor("requestedBy", req.RequestedBy),
		}
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		appt, err := svc.RescheduleAppointment(r.Context(), id, move)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func cancelHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var req CancelRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var p fieldParser
		actor := p.actor("requestedBy", req.RequestedBy)
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		appt, err := svc.CancelAppointment(r.Context(), id, actor, req.Reason)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func completeHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var req CompleteRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var p fieldParser
		providerID := p.uuid("providerId", req.ProviderID)
		details := scheduling.CompletionDetails{
			ProviderNotes:    req.ProviderNotes,
			Prescription:     req.Prescription,
			FollowUpRequired: req.FollowUpRequired,
			FollowUpDate:     p.optionalDate("followUpDate", req.FollowUpDate),
		}
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		appt, err := svc.CompleteAppointment(r.Context(), id, providerID, details)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func rateHandler(svc *scheduling.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := idParam(w, r, "id")
		if !ok {
			return
		}
		var req RatingRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		var p fieldParser
		patientID := p.uuid("patientId", req.PatientID)
		if err := p.err(); err != nil {
			handleServiceError(w, r, err)
			return
		}

		appt, err := svc.RateAppointment(r.Context(), id, scheduling.RatingRequest{
			PatientID: patientID,
			Rating:    req.Rating,
			Review:    req.Review,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}
