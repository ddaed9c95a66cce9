package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medisync/go-cpf/internal/api/middleware"
	"github.com/medisync/go-cpf/internal/domain/appointment"
	"github.com/medisync/go-cpf/internal/domain/pharmacy"
	"github.com/medisync/go-cpf/internal/platform/clock"
	"github.com/medisync/go-cpf/internal/service/queue"
)

// QueueHandler serves booking, queue and consultation endpoints.
type QueueHandler struct {
	svc     *queue.Service
	sweeper *queue.Sweeper
	logger  *zap.Logger
}

// NewQueueHandler creates the handler. sweeper may be nil, which disables the
// manual sweep endpoint.
func NewQueueHandler(svc *queue.Service, sweeper *queue.Sweeper, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{svc: svc, sweeper: sweeper, logger: logger}
}

// Register mounts the handler's routes on r.
func (h *QueueHandler) Register(r chi.Router) {
	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.Book)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/queue-status", h.QueueStatus)
		r.Post("/{id}/cancel", h.Cancel)
		r.Post("/{id}/complete", h.Complete)
	})
	r.Get("/patients/{id}/appointments", h.PatientHistory)
	r.Route("/doctors/{id}", func(r chi.Router) {
		r.Put("/", h.UpsertDoctor)
		r.Get("/queue", h.DoctorQueue)
		r.Post("/call-next", h.CallNext)
		r.Get("/summary", h.Summary)
	})
	if h.sweeper != nil {
		r.Post("/admin/expiry-sweep", h.Sweep)
	}
}

// BookRequest is the body of POST /appointments.
type BookRequest struct {
	PatientID       int64  `json:"patient_id" validate:"required,gt=0"`
	DoctorID        int64  `json:"doctor_id" validate:"required,gt=0"`
	AppointmentDate string `json:"appointment_date" validate:"required,datetime=2006-01-02"`
	AppointmentTime string `json:"appointment_time" validate:"omitempty,datetime=15:04"`
	Symptoms        string `json:"symptoms" validate:"max=2000"`
	Priority        string `json:"priority" validate:"omitempty,oneof=normal emergency"`
}

// Book handles POST /appointments
func (h *QueueHandler) Book(w http.ResponseWriter, r *http.Request) {
	var req BookRequest
	if err := decode(r, &req, false); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	day, err := clock.ParseDate(req.AppointmentDate)
	if err != nil {
		jsonError(w, "invalid appointment_date", http.StatusBadRequest)
		return
	}

	booking, err := h.svc.BookAppointment(r.Context(), queue.BookRequest{
		PatientID: req.PatientID,
		DoctorID:  req.DoctorID,
		Date:      day,
		Time:      req.AppointmentTime,
		Symptoms:  req.Symptoms,
		Priority:  appointment.Priority(req.Priority),
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, booking)
}

// Get handles GET /appointments/{id}
func (h *QueueHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	appt, err := h.svc.GetAppointment(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// QueueStatus handles GET /appointments/{id}/queue-status
func (h *QueueHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	status, err := h.svc.GetQueueStatus(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// CancelRequest is the optional body of POST /appointments/{id}/cancel.
type CancelRequest struct {
	Actor string `json:"actor" validate:"omitempty,oneof=patient doctor admin"`
}

// Cancel handles POST /appointments/{id}/cancel
func (h *QueueHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req CancelRequest
	if err := decode(r, &req, true); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = middleware.GetClientID(r.Context())
	}
	if actor == "" {
		actor = "patient"
	}

	appt, err := h.svc.CancelAppointment(r.Context(), id, actor)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, appt)
}

// LineItemRequest is one medicine on a completed consultation.
type LineItemRequest struct {
	Name         string `json:"name" validate:"required,max=200"`
	Quantity     int    `json:"quantity" validate:"gt=0,lte=100000"`
	Dosage       string `json:"dosage"`
	Instructions string `json:"instructions"`
	DurationDays int    `json:"duration_days" validate:"gte=0"`
}

// CompleteRequest is the body of POST /appointments/{id}/complete.
type CompleteRequest struct {
	DoctorID  int64             `json:"doctor_id" validate:"gte=0"`
	Notes     string            `json:"notes"`
	Diagnosis string            `json:"diagnosis"`
	Medicines []LineItemRequest `json:"medicines" validate:"omitempty,dive"`
}

// Complete handles POST /appointments/{id}/complete
func (h *QueueHandler) Complete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req CompleteRequest
	if err := decode(r, &req, true); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	items := make([]pharmacy.LineItem, 0, len(req.Medicines))
	for _, m := range req.Medicines {
		items = append(items, pharmacy.LineItem{
			MedicineName: m.Name,
			Quantity:     m.Quantity,
			Dosage:       m.Dosage,
			Instructions: m.Instructions,
			DurationDays: m.DurationDays,
		})
	}

	out, err := h.svc.CompleteConsultation(r.Context(), queue.CompleteRequest{
		AppointmentID: id,
		DoctorID:      req.DoctorID,
		Notes:         req.Notes,
		Diagnosis:     req.Diagnosis,
		Items:         items,
	})
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// PatientHistory handles GET /patients/{id}/appointments
func (h *QueueHandler) PatientHistory(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	appts, err := h.svc.PatientAppointments(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if appts == nil {
		appts = []*appointment.Appointment{}
	}
	writeJSON(w, http.StatusOK, appts)
}

// DoctorRequest is the body of PUT /doctors/{id}.
type DoctorRequest struct {
	Name              string `json:"name" validate:"max=200"`
	Department        string `json:"department" validate:"max=200"`
	MaxPatientsPerDay int    `json:"max_patients_per_day" validate:"gte=0"`
	AvailableFrom     string `json:"available_from" validate:"omitempty,datetime=15:04"`
	AvailableTo       string `json:"available_to" validate:"omitempty,datetime=15:04"`
	Active            *bool  `json:"active"`
}

// UpsertDoctor handles PUT /doctors/{id}
func (h *QueueHandler) UpsertDoctor(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req DoctorRequest
	if err := decode(r, &req, false); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	d := &appointment.Doctor{
		UserID:            id,
		Name:              req.Name,
		Department:        req.Department,
		MaxPatientsPerDay: req.MaxPatientsPerDay,
		AvailableFrom:     req.AvailableFrom,
		AvailableTo:       req.AvailableTo,
		Active:            req.Active == nil || *req.Active,
	}
	if err := h.svc.RegisterDoctor(r.Context(), d); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// DoctorQueue handles GET /doctors/{id}/queue?date=YYYY-MM-DD
func (h *QueueHandler) DoctorQueue(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	day, err := queryDate(r, "date", h.svc.Today())
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := h.svc.DoctorQueue(r.Context(), id, day)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []appointment.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"doctor_id": id,
		"date":      day.Format("2006-01-02"),
		"queue":     entries,
	})
}

// CallNext handles POST /doctors/{id}/call-next
func (h *QueueHandler) CallNext(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.svc.CallNextPatient(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	body := map[string]any{
		"doctor_id":       res.DoctorID,
		"current_token":   res.CurrentToken,
		"current_patient": res.Called,
		"completed":       res.Completed,
		"waiting":         res.Waiting,
		"queue_empty":     res.QueueEmpty(),
	}
	if res.QueueEmpty() {
		body["message"] = "No patients in queue"
	}
	writeJSON(w, http.StatusOK, body)
}

// Summary handles GET /doctors/{id}/summary?date=YYYY-MM-DD
func (h *QueueHandler) Summary(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	day, err := queryDate(r, "date", h.svc.Today())
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	summary, err := h.svc.DailySummary(r.Context(), id, day)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// Sweep handles POST /admin/expiry-sweep?as_of=YYYY-MM-DD
func (h *QueueHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	asOf, err := queryDate(r, "as_of", h.svc.Today())
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := h.sweeper.RunExpirySweep(r.Context(), asOf)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	h.logger.Info("manual expiry sweep",
		zap.String("client_id", middleware.GetClientID(r.Context())),
		zap.Int64("expired", res.Expired))
	writeJSON(w, http.StatusOK, res)
}
