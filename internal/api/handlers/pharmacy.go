package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/medisync/go-cpf/internal/domain/pharmacy"
	"github.com/medisync/go-cpf/internal/observability/tracing"
	"github.com/medisync/go-cpf/internal/platform/clock"
	"github.com/medisync/go-cpf/internal/service/dispensing"
)

// PharmacyHandler serves prescription fulfilment and inventory endpoints.
type PharmacyHandler struct {
	engine *dispensing.Engine
	logger *zap.Logger
}

// NewPharmacyHandler creates a new handler
func NewPharmacyHandler(engine *dispensing.Engine, logger *zap.Logger) *PharmacyHandler {
	return &PharmacyHandler{engine: engine, logger: logger}
}

// Register mounts the handler's routes on r.
func (h *PharmacyHandler) Register(r chi.Router) {
	r.Route("/prescriptions", func(r chi.Router) {
		r.Get("/", h.ListPrescriptions)
		r.Get("/{id}", h.GetPrescription)
		r.Post("/{id}/dispense", h.Dispense)
		r.Put("/{id}/status", h.UpdateStatus)
	})
	r.Route("/medicines", func(r chi.Router) {
		r.Get("/", h.ListMedicines)
		r.Post("/", h.AddMedicine)
		r.Get("/low-stock", h.LowStock)
		r.Post("/{id}/restock", h.Restock)
	})
}

// ListPrescriptions handles GET /prescriptions?status=&patient_id=&doctor_id=&limit=&offset=
func (h *PharmacyHandler) ListPrescriptions(w http.ResponseWriter, r *http.Request) {
	f := pharmacy.PrescriptionFilter{Status: pharmacy.Status(r.URL.Query().Get("status"))}
	if f.Status != "" && !f.Status.Valid() {
		jsonError(w, "invalid status", http.StatusBadRequest)
		return
	}
	for name, dst := range map[string]*int64{"patient_id": &f.PatientID, "doctor_id": &f.DoctorID} {
		v, err := queryInt(r, name)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		*dst = v
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.Limit, f.Offset = int(limit), int(offset)

	list, err := h.engine.ListPrescriptions(r.Context(), f)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if list == nil {
		list = []*pharmacy.Prescription{}
	}
	writeJSON(w, http.StatusOK, list)
}

// GetPrescription handles GET /prescriptions/{id}
func (h *PharmacyHandler) GetPrescription(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	rx, err := h.engine.GetPrescription(r.Context(), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, rx)
}

// DispenseRequest is the optional body of POST /prescriptions/{id}/dispense.
type DispenseRequest struct {
	Notes string `json:"notes" validate:"max=2000"`
}

// Dispense handles POST /prescriptions/{id}/dispense. Stock shortfalls are
// reported with 422 and the full issue list.
func (h *PharmacyHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.Tracer("pharmacy-handler").Start(r.Context(), "dispense")
	defer span.End()

	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	span.SetAttributes(attribute.Int64("prescription_id", id))

	var req DispenseRequest
	if err := decode(r, &req, true); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.engine.Dispense(ctx, id, req.Notes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeDispenseResult(w, res)
}

func writeDispenseResult(w http.ResponseWriter, res *pharmacy.DispenseResult) {
	if res.Dispensed {
		writeJSON(w, http.StatusOK, res)
		return
	}
	messages := make([]string, 0, len(res.StockIssues))
	for _, issue := range res.StockIssues {
		messages = append(messages, issue.Message())
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"error":           "insufficient stock",
		"prescription_id": res.PrescriptionID,
		"stock_issues":    res.StockIssues,
		"messages":        messages,
	})
}

// StatusRequest is the body of PUT /prescriptions/{id}/status.
type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending preparing ready dispensed cancelled"`
	Notes  string `json:"notes" validate:"max=2000"`
}

// UpdateStatus handles PUT /prescriptions/{id}/status
func (h *PharmacyHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req StatusRequest
	if err := decode(r, &req, false); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rx, res, err := h.engine.UpdateStatus(r.Context(), id, pharmacy.Status(req.Status), req.Notes)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if res != nil && !res.Dispensed {
		writeDispenseResult(w, res)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"prescription": rx,
		"dispense":     res,
	})
}

type medicineView struct {
	*pharmacy.Medicine
	StockStatus pharmacy.StockLevel `json:"stock_status"`
	LowStock    bool                `json:"low_stock"`
}

func viewMedicines(list []*pharmacy.Medicine) []medicineView {
	out := make([]medicineView, 0, len(list))
	for _, m := range list {
		out = append(out, medicineView{Medicine: m, StockStatus: m.StockStatus(), LowStock: m.LowStock()})
	}
	return out
}

// ListMedicines handles GET /medicines?available=true
func (h *PharmacyHandler) ListMedicines(w http.ResponseWriter, r *http.Request) {
	onlyAvailable := r.URL.Query().Get("available") == "true"
	list, err := h.engine.Inventory(r.Context(), onlyAvailable)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewMedicines(list))
}

// MedicineRequest is the body of POST /medicines.
type MedicineRequest struct {
	Name          string  `json:"name" validate:"required,max=200"`
	GenericName   string  `json:"generic_name" validate:"max=200"`
	Category      string  `json:"category"`
	Strength      string  `json:"strength"`
	Form          string  `json:"form"`
	Manufacturer  string  `json:"manufacturer"`
	BatchNumber   string  `json:"batch_number"`
	PricePerUnit  float64 `json:"price_per_unit" validate:"gte=0"`
	StockQuantity int     `json:"stock_quantity" validate:"gte=0"`
	ReorderLevel  int     `json:"reorder_level" validate:"gte=0"`
	ExpiryDate    string  `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	IsAvailable   *bool   `json:"is_available"`
}

// AddMedicine handles POST /medicines
func (h *PharmacyHandler) AddMedicine(w http.ResponseWriter, r *http.Request) {
	var req MedicineRequest
	if err := decode(r, &req, false); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	m := &pharmacy.Medicine{
		Name:          req.Name,
		GenericName:   req.GenericName,
		Category:      req.Category,
		Strength:      req.Strength,
		Form:          req.Form,
		Manufacturer:  req.Manufacturer,
		BatchNumber:   req.BatchNumber,
		PricePerUnit:  req.PricePerUnit,
		StockQuantity: req.StockQuantity,
		ReorderLevel:  req.ReorderLevel,
		IsAvailable:   req.IsAvailable == nil || *req.IsAvailable,
	}
	if req.ExpiryDate != "" {
		var exp time.Time
		exp, _ = clock.ParseDate(req.ExpiryDate)
		m.ExpiryDate = &exp
	}

	if err := h.engine.AddMedicine(r.Context(), m); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

// LowStock handles GET /medicines/low-stock
func (h *PharmacyHandler) LowStock(w http.ResponseWriter, r *http.Request) {
	list, err := h.engine.LowStock(r.Context())
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, viewMedicines(list))
}

// RestockRequest is the body of POST /medicines/{id}/restock.
type RestockRequest struct {
	Quantity int `json:"quantity" validate:"required,gt=0"`
}

// Restock handles POST /medicines/{id}/restock
func (h *PharmacyHandler) Restock(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req RestockRequest
	if err := decode(r, &req, false); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	m, err := h.engine.Restock(r.Context(), id, req.Quantity)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
