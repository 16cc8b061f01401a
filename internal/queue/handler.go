package queue

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/bissquit/booking-dispatch/internal/domain"
	"github.com/bissquit/booking-dispatch/internal/pkg/httputil"
)

const defaultHistoryLimit = 50

var errorMappings = []httputil.ErrorMapping{
	{Error: ErrRecordNotFound, Status: http.StatusNotFound, Message: "queue record not found"},
	{Error: ErrNotCancellable, Status: http.StatusConflict, Message: "only pending records can be cancelled"},
	{Error: domain.ErrBookingNotFound, Status: http.StatusNotFound, Message: "booking not found"},
	{Error: domain.ErrInvitationNotFound, Status: http.StatusNotFound, Message: "slot invitation not found"},
	{Error: domain.ErrEventTypeNotFound, Status: http.StatusUnprocessableEntity, Message: "booking references an unknown event type"},
	{Error: ErrInvitationClosed, Status: http.StatusConflict, Message: "slot invitation is no longer open"},
	{Error: ErrMissingPreviousTimes, Status: http.StatusBadRequest},
	{Error: ErrUnsupportedTrigger, Status: http.StatusBadRequest},
	{Error: ErrUnsupportedType, Status: http.StatusBadRequest},
}

// Handler serves the queue operations API.
type Handler struct {
	repo      Repository
	producer  *Producer
	intake    *Intake
	validator *validator.Validate
}

// NewHandler creates a new queue handler.
func NewHandler(repo Repository, producer *Producer, intake *Intake) *Handler {
	return &Handler{
		repo:      repo,
		producer:  producer,
		intake:    intake,
		validator: validator.New(),
	}
}

// RegisterRoutes registers queue routes (require auth).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/queue", func(r chi.Router) {
		r.Get("/stats", h.GetStats)
		r.Get("/history", h.ListHistory)
		r.Get("/records/{id}", h.GetRecord)
		r.Post("/bookings/{id}/events", h.PostBookingEvent)
		r.Post("/series/{id}/notifications", h.PostSeriesNotifications)
		r.Post("/invitations/{id}/send", h.PostInvitationSend)
		r.With(httputil.RequireRole(domain.RoleAdmin)).Post("/records/{id}/cancel", h.CancelRecord)
	})
}

// BookingEventBody is the request body of POST /queue/bookings/{id}/events.
type BookingEventBody struct {
	Event        string     `json:"event" validate:"required,oneof=created cancelled rescheduled"`
	OldStartTime *time.Time `json:"old_start_time,omitempty" validate:"required_if=Event rescheduled"`
	OldEndTime   *time.Time `json:"old_end_time,omitempty" validate:"required_if=Event rescheduled"`
	Tasks        []string   `json:"tasks,omitempty" validate:"dive,oneof=video_link_creation video_link_deletion calendar_sync calendar_deletion"`
}

// EnqueuedResponse lists the records created by an intake call.
type EnqueuedResponse struct {
	RecordIDs []string `json:"record_ids"`
}

// HistoryQuery holds the query parameters of GET /queue/history.
type HistoryQuery struct {
	BookingID string `validate:"omitempty,min=1"`
	Status    string `validate:"omitempty,oneof=sent failed cancelled"`
	Limit     int    `validate:"min=1,max=500"`
}

// RecordResponse is the API view of a queue record in either region.
type RecordResponse struct {
	ID                string     `json:"id"`
	TenantID          string     `json:"tenant_id"`
	BookingID         *string    `json:"booking_id,omitempty"`
	Type              string     `json:"type"`
	Trigger           string     `json:"trigger"`
	Recipient         string     `json:"recipient"`
	Status            string     `json:"status"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	ExecuteAt         time.Time  `json:"execute_at"`
	NextRetryAt       *time.Time `json:"next_retry_at,omitempty"`
	RetryCount        int        `json:"retry_count"`
	MaxRetries        int        `json:"max_retries"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	ExternalMessageID string     `json:"external_message_id,omitempty"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ProcessedAt       *time.Time `json:"processed_at,omitempty"`
	ProcessingTimeMs  *int64     `json:"processing_time_ms,omitempty"`
	Region            string     `json:"region"`
}

func newRecordResponse(r *Record) RecordResponse {
	return RecordResponse{
		ID:                r.ID,
		TenantID:          r.TenantID,
		BookingID:         r.BookingID,
		Type:              string(r.Type),
		Trigger:           string(r.Trigger),
		Recipient:         r.Recipient,
		Status:            string(r.Status),
		ScheduledAt:       r.ScheduledAt,
		ExecuteAt:         r.ExecuteAt,
		NextRetryAt:       r.NextRetryAt,
		RetryCount:        r.RetryCount,
		MaxRetries:        r.MaxRetries,
		SentAt:            r.SentAt,
		ExternalMessageID: r.ExternalMessageID,
		ErrorMessage:      r.ErrorMessage,
		Region:            "pending",
	}
}

func newHistoryResponse(h *HistoryRecord) RecordResponse {
	resp := newRecordResponse(&h.Record)
	processedAt := h.ProcessedAt
	processingTime := h.ProcessingTimeMs
	resp.Status = string(h.FinalStatus)
	resp.ProcessedAt = &processedAt
	resp.ProcessingTimeMs = &processingTime
	resp.Region = "history"
	return resp
}

// GetStats handles GET /queue/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.repo.Stats(r.Context())
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, stats)
}

// ListHistory handles GET /queue/history.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) {
	query := HistoryQuery{
		BookingID: r.URL.Query().Get("booking_id"),
		Status:    r.URL.Query().Get("status"),
		Limit:     defaultHistoryLimit,
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			httputil.Error(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		query.Limit = limit
	}

	if err := h.validator.Struct(query); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	records, err := h.repo.ListHistory(r.Context(), HistoryFilter{
		BookingID:   query.BookingID,
		FinalStatus: Status(query.Status),
		Limit:       query.Limit,
	})
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	resp := make([]RecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, newHistoryResponse(rec))
	}

	httputil.Success(w, http.StatusOK, resp)
}

// GetRecord handles GET /queue/records/{id}. Pending is looked up first,
// then history.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	record, err := h.repo.Get(r.Context(), id)
	if err == nil {
		httputil.Success(w, http.StatusOK, newRecordResponse(record))
		return
	}
	if !errors.Is(err, ErrRecordNotFound) {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	archived, err := h.repo.GetHistory(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, newHistoryResponse(archived))
}

// CancelRecord handles POST /queue/records/{id}/cancel.
func (h *Handler) CancelRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	archived, err := h.producer.Cancel(r.Context(), id)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusOK, newHistoryResponse(archived))
}

// PostBookingEvent handles POST /queue/bookings/{id}/events.
func (h *Handler) PostBookingEvent(w http.ResponseWriter, r *http.Request) {
	var body BookingEventBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httputil.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httputil.ValidationError(w, err)
		return
	}

	req := BookingEventRequest{
		Event:        BookingEvent(body.Event),
		OldStartTime: body.OldStartTime,
		OldEndTime:   body.OldEndTime,
	}
	for _, t := range body.Tasks {
		req.Tasks = append(req.Tasks, NotificationType(t))
	}

	ids, err := h.intake.HandleBookingEvent(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, EnqueuedResponse{RecordIDs: nonNil(ids)})
}

// PostSeriesNotifications handles POST /queue/series/{id}/notifications.
func (h *Handler) PostSeriesNotifications(w http.ResponseWriter, r *http.Request) {
	ids, err := h.intake.HandleSeriesCreated(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, EnqueuedResponse{RecordIDs: nonNil(ids)})
}

// PostInvitationSend handles POST /queue/invitations/{id}/send.
func (h *Handler) PostInvitationSend(w http.ResponseWriter, r *http.Request) {
	id, err := h.intake.SendInvitation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.HandleError(r.Context(), w, err, errorMappings)
		return
	}

	httputil.Success(w, http.StatusAccepted, EnqueuedResponse{RecordIDs: []string{id}})
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
