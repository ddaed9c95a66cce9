// Package notify turns pharmacy events into notices for the pharmacy display.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/medisync/go-cpf/internal/domain/events"
	"github.com/medisync/go-cpf/internal/domain/pharmacy"
	"github.com/medisync/go-cpf/internal/observability/metrics"
	"github.com/medisync/go-cpf/pkg/circuitbreaker"
)

// Kind identifies a notice.
type Kind string

const (
	KindNewPrescription Kind = "new_prescription"
	KindPickupReady     Kind = "pickup_ready"
	KindLowStock        Kind = "low_stock"
)

// Notice is the body POSTed to the display webhook.
type Notice struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	EventID        string    `json:"event_id"`
	PrescriptionID int64     `json:"prescription_id,omitempty"`
	PatientID      int64     `json:"patient_id,omitempty"`
	PickupToken    string    `json:"pickup_token,omitempty"`
	ItemCount      int       `json:"item_count,omitempty"`
	MedicineID     int64     `json:"medicine_id,omitempty"`
	MedicineName   string    `json:"medicine_name,omitempty"`
	RemainingStock int       `json:"remaining_stock,omitempty"`
	ReorderLevel   int       `json:"reorder_level,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// StatusError is a non-2xx webhook response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("webhook responded %d: %s", e.Code, e.Body)
}

// ClientError reports whether the webhook rejected the notice itself.
func (e *StatusError) ClientError() bool {
	return e.Code >= 400 && e.Code < 500 && e.Code != http.StatusTooManyRequests
}

// Config configures a Dispatcher.
type Config struct {
	WebhookURL string
	Timeout    time.Duration
}

// Dispatcher delivers notices through a circuit breaker per webhook host.
type Dispatcher struct {
	config   Config
	endpoint string
	client   *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewDispatcher validates cfg and wires breaker state into m.
func NewDispatcher(cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Dispatcher, error) {
	u, err := url.Parse(cfg.WebhookURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", cfg.WebhookURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	template := circuitbreaker.DefaultConfig("")
	template.IsSuccessful = func(err error) bool {
		var se *StatusError
		return err == nil || (errors.As(err, &se) && se.ClientError())
	}
	template.OnStateChange = func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Value())
	}

	return &Dispatcher{
		config:   cfg,
		endpoint: u.Host,
		client:   &http.Client{Timeout: cfg.Timeout},
		breakers: circuitbreaker.NewManager(template, logger),
		metrics:  m,
		logger:   logger,
	}, nil
}

// NoticeFor maps an event to a notice. Events the display does not show
// return nil.
func NoticeFor(e *events.Event) (*Notice, error) {
	n := &Notice{ID: uuid.NewString(), EventID: e.ID, OccurredAt: e.Timestamp}

	switch e.EventType {
	case events.EventPrescriptionIssued, events.EventPrescriptionStatusChanged:
		var data events.PrescriptionData
		if err := json.Unmarshal(e.Payload, &data); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
		}
		switch {
		case e.EventType == events.EventPrescriptionIssued:
			n.Kind = KindNewPrescription
		case data.Status == string(pharmacy.StatusReady):
			n.Kind = KindPickupReady
		default:
			return nil, nil
		}
		n.PrescriptionID = data.PrescriptionID
		n.PatientID = data.PatientID
		n.PickupToken = data.PickupToken
		n.ItemCount = data.ItemCount
	case events.EventMedicineLowStock:
		var data events.LowStockData
		if err := json.Unmarshal(e.Payload, &data); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", e.EventType, err)
		}
		n.Kind = KindLowStock
		n.MedicineID = data.MedicineID
		n.MedicineName = data.MedicineName
		n.RemainingStock = data.RemainingStock
		n.ReorderLevel = data.ReorderLevel
	default:
		return nil, nil
	}
	return n, nil
}

// Handle delivers the notice for e, if any. Rejections by the webhook are
// returned as permanent errors so callers stop retrying them.
func (d *Dispatcher) Handle(ctx context.Context, e *events.Event) error {
	notice, err := NoticeFor(e)
	if err != nil {
		return backoff.Permanent(err)
	}
	if notice == nil {
		d.metrics.Notifications.WithLabelValues("skipped").Inc()
		return nil
	}

	cb, err := d.breakers.Get(d.endpoint)
	if err != nil {
		return err
	}

	err = cb.Execute(ctx, func(ctx context.Context) error {
		return d.post(ctx, notice)
	})

	var se *StatusError
	switch {
	case err == nil:
		d.metrics.Notifications.WithLabelValues("sent").Inc()
		d.logger.Info("notice delivered",
			zap.String("kind", string(notice.Kind)),
			zap.String("event_id", e.ID))
		return nil
	case errors.Is(err, circuitbreaker.ErrOpen):
		d.metrics.Notifications.WithLabelValues("circuit_open").Inc()
		return err
	case errors.As(err, &se) && se.ClientError():
		d.metrics.Notifications.WithLabelValues("rejected").Inc()
		return backoff.Permanent(err)
	default:
		d.metrics.Notifications.WithLabelValues("failed").Inc()
		return err
	}
}

// Breakers reports the state of every webhook breaker.
func (d *Dispatcher) Breakers() []circuitbreaker.HealthStatus {
	return d.breakers.Health()
}

func (d *Dispatcher) post(ctx context.Context, n *Notice) error {
	body, err := json.Marshal(n)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", n.EventID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
}
