package dispensing

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/medisync/go-cpf/internal/domain/appointment"
	"github.com/medisync/go-cpf/internal/domain/events"
	"github.com/medisync/go-cpf/internal/domain/pharmacy"
	"github.com/medisync/go-cpf/internal/infrastructure/memory"
	"github.com/medisync/go-cpf/internal/platform/clock"
)

var testNow = time.Date(2026, 3, 10, 11, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{MaxAttempts: 3}
}

type fixture struct {
	engine *Engine
	store  *memory.Store
	appt   *appointment.Appointment
}

func newFixture(t *testing.T, stock map[string]int) *fixture {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewFixed(testNow)
	store := memory.New(clk)
	engine := NewEngine(store, store, clk, testConfig(), nil, zaptest.NewLogger(t))

	for name, qty := range stock {
		if err := engine.AddMedicine(ctx, &pharmacy.Medicine{Name: name, StockQuantity: qty, ReorderLevel: 5, IsAvailable: true}); err != nil {
			t.Fatalf("AddMedicine(%s): %v", name, err)
		}
	}

	appt := &appointment.Appointment{PatientID: 1, DoctorID: 1, Date: clock.DateOf(testNow, time.UTC),
		TokenNumber: 1, Status: appointment.StatusCompleted}
	if err := store.Insert(ctx, appt); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return &fixture{engine: engine, store: store, appt: appt}
}

func (f *fixture) prescribe(t *testing.T, items ...pharmacy.LineItem) *pharmacy.Prescription {
	t.Helper()
	rx := &pharmacy.Prescription{
		AppointmentID: f.appt.ID,
		PatientID:     f.appt.PatientID,
		DoctorID:      f.appt.DoctorID,
		Items:         items,
		PickupToken:   pharmacy.NewPickupToken(),
	}
	if err := f.store.InsertPrescription(context.Background(), rx); err != nil {
		t.Fatalf("InsertPrescription: %v", err)
	}
	return rx
}

func (f *fixture) stock(t *testing.T, name string) int {
	t.Helper()
	m, err := f.store.FindMedicineByName(context.Background(), name, false)
	if err != nil {
		t.Fatalf("FindMedicineByName(%s): %v", name, err)
	}
	return m.StockQuantity
}

func item(name string, qty int) pharmacy.LineItem {
	return pharmacy.LineItem{MedicineName: name, Quantity: qty}
}

func TestDispense_DeductsEveryItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"Amoxicillin": 30, "Ibuprofen": 20})
	rx := f.prescribe(t, item("Amoxicillin", 21), item("ibuprofen", 10))

	res, err := f.engine.Dispense(ctx, rx.ID, "Collected by spouse")
	if err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if !res.Dispensed || len(res.Log) != 2 {
		t.Fatalf("result = %+v, want two dispensed lines", res)
	}
	if got := f.stock(t, "Amoxicillin"); got != 9 {
		t.Errorf("amoxicillin stock = %d, want 9", got)
	}
	if got := f.stock(t, "Ibuprofen"); got != 10 {
		t.Errorf("ibuprofen stock = %d, want 10", got)
	}

	stored, _ := f.store.GetPrescription(ctx, rx.ID, false)
	if stored.Status != pharmacy.StatusDispensed || stored.DispensedAt == nil {
		t.Errorf("prescription = %s dispensed_at %v", stored.Status, stored.DispensedAt)
	}
	for _, want := range []string{"Collected by spouse", "Dispensed:", "- Amoxicillin: 21 units (remaining: 9)"} {
		if !strings.Contains(stored.PharmacyNotes, want) {
			t.Errorf("notes %q missing %q", stored.PharmacyNotes, want)
		}
	}
	if n := len(f.store.EventsOfType(events.EventPrescriptionDispensed)); n != 1 {
		t.Errorf("dispensed events = %d, want 1", n)
	}
}

func TestDispense_NothingChangesWhenAnyItemIsShort(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"MedA": 50, "MedB": 10})
	rx := f.prescribe(t, item("MedA", 5), item("MedB", 1000000), item("MedC", 1))

	res, err := f.engine.Dispense(ctx, rx.ID, "")
	if err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if res.Dispensed {
		t.Fatal("expected dispense to be refused")
	}
	if len(res.StockIssues) != 2 {
		t.Fatalf("issues = %+v, want MedB and MedC", res.StockIssues)
	}

	reasons := map[string]pharmacy.IssueReason{}
	for _, issue := range res.StockIssues {
		reasons[issue.Medicine] = issue.Reason
	}
	if reasons["MedB"] != pharmacy.ReasonInsufficient || reasons["MedC"] != pharmacy.ReasonNotFound {
		t.Errorf("reasons = %v", reasons)
	}

	if got := f.stock(t, "MedA"); got != 50 {
		t.Errorf("MedA stock = %d, want 50", got)
	}
	stored, _ := f.store.GetPrescription(ctx, rx.ID, false)
	if stored.Status != pharmacy.StatusPending {
		t.Errorf("status = %s, want pending", stored.Status)
	}
	if n := len(f.store.Events()); n != 0 {
		t.Errorf("events = %d, want none", n)
	}
}

func TestDispense_UnavailableMedicine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	if err := f.engine.AddMedicine(ctx, &pharmacy.Medicine{Name: "Recalled", StockQuantity: 100, IsAvailable: false}); err != nil {
		t.Fatalf("AddMedicine: %v", err)
	}
	rx := f.prescribe(t, item("Recalled", 1))

	res, err := f.engine.Dispense(ctx, rx.ID, "")
	if err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if res.Dispensed || len(res.StockIssues) != 1 || res.StockIssues[0].Reason != pharmacy.ReasonUnavailable {
		t.Errorf("result = %+v, want one unavailable issue", res)
	}
}

func TestDispense_AggregatesDuplicateLines(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"Cetirizine": 8})
	rx := f.prescribe(t, item("Cetirizine", 5), item("CETIRIZINE", 5))

	res, err := f.engine.Dispense(ctx, rx.ID, "")
	if err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if res.Dispensed {
		t.Fatal("10 units requested against 8 in stock must be refused")
	}
	if res.StockIssues[0].Requested != 10 {
		t.Errorf("requested = %d, want 10", res.StockIssues[0].Requested)
	}
}

func TestDispense_SecondCallIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"MedX": 10})
	rx := f.prescribe(t, item("MedX", 4))

	if _, err := f.engine.Dispense(ctx, rx.ID, ""); err != nil {
		t.Fatalf("first Dispense: %v", err)
	}
	if _, err := f.engine.Dispense(ctx, rx.ID, ""); !errors.Is(err, pharmacy.ErrAlreadyDispensed) {
		t.Fatalf("expected ErrAlreadyDispensed, got %v", err)
	}
	if got := f.stock(t, "MedX"); got != 6 {
		t.Errorf("stock = %d, want 6", got)
	}
}

func TestDispense_ConcurrentCallsDeductOnce(t *testing.T) {
	f := newFixture(t, map[string]int{"MedX": 10})
	rx := f.prescribe(t, item("MedX", 4))

	const callers = 8
	errs := make([]error, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		i := i
		g.Go(func() error {
			_, errs[i] = f.engine.Dispense(context.Background(), rx.ID, "")
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !errors.Is(err, pharmacy.ErrAlreadyDispensed):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Errorf("successful dispenses = %d, want 1", succeeded)
	}
	if got := f.stock(t, "MedX"); got != 6 {
		t.Errorf("stock = %d, want 6", got)
	}
}

func TestDispense_StockNeverNegative(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"MedY": 10})

	var prescriptions []*pharmacy.Prescription
	for i := 0; i < 6; i++ {
		prescriptions = append(prescriptions, f.prescribe(t, item("MedY", 3)))
	}

	var g errgroup.Group
	for _, rx := range prescriptions {
		rx := rx
		g.Go(func() error {
			_, err := f.engine.Dispense(ctx, rx.ID, "")
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Dispense: %v", err)
	}

	if got := f.stock(t, "MedY"); got != 1 {
		t.Errorf("stock = %d, want 1 after three dispenses of 3", got)
	}
	dispensed, _ := f.store.ListPrescriptions(ctx, pharmacy.PrescriptionFilter{Status: pharmacy.StatusDispensed})
	if len(dispensed) != 3 {
		t.Errorf("dispensed prescriptions = %d, want 3", len(dispensed))
	}
}

// racingRepo makes the conditional deduction fail a fixed number of times,
// as if another pharmacist took the stock between check and write.
type racingRepo struct {
	*memory.Store
	losses int
	calls  int
}

func (r *racingRepo) DeductStockIfSufficient(ctx context.Context, medicineID int64, qty int) (int, bool, error) {
	r.calls++
	if r.losses > 0 {
		r.losses--
		return 0, false, nil
	}
	return r.Store.DeductStockIfSufficient(ctx, medicineID, qty)
}

func TestDispense_RetriesLostRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"MedA": 10, "MedB": 10})
	rx := f.prescribe(t, item("MedA", 2), item("MedB", 2))

	repo := &racingRepo{Store: f.store, losses: 1}
	engine := NewEngine(repo, f.store, nil, testConfig(), nil, zaptest.NewLogger(t))

	res, err := engine.Dispense(ctx, rx.ID, "")
	if err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if !res.Dispensed {
		t.Fatalf("expected dispensed, got %+v", res)
	}
	if got := f.stock(t, "MedA"); got != 8 {
		t.Errorf("MedA stock = %d, want 8", got)
	}
}

func TestDispense_GivesUpAfterRepeatedConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"MedA": 10, "MedB": 10})
	rx := f.prescribe(t, item("MedA", 2), item("MedB", 2))

	// MedA deducts, MedB loses: each attempt must roll MedA back.
	repo := &racingRepo{Store: f.store}
	engine := NewEngine(&alternatingRepo{racingRepo: repo}, f.store, nil, testConfig(), nil, zaptest.NewLogger(t))

	_, err := engine.Dispense(ctx, rx.ID, "")
	if !errors.Is(err, pharmacy.ErrStockConflict) {
		t.Fatalf("expected ErrStockConflict, got %v", err)
	}
	if got := f.stock(t, "MedA"); got != 10 {
		t.Errorf("MedA stock = %d, want 10", got)
	}
	if repo.calls != 2*int(testConfig().MaxAttempts) {
		t.Errorf("deduct calls = %d, want %d", repo.calls, 2*testConfig().MaxAttempts)
	}
	if got := testutil.ToFloat64(engine.metrics.StockConflicts); got != float64(testConfig().MaxAttempts) {
		t.Errorf("stock conflicts = %v, want one per attempt (%d)", got, testConfig().MaxAttempts)
	}
	if got := testutil.ToFloat64(engine.metrics.Dispenses.WithLabelValues("conflict")); got != 1 {
		t.Errorf("conflict dispenses = %v, want 1", got)
	}
}

func TestDispense_RejectsOverflowingQuantities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"MedA": 10})
	// Stored directly so the insert-time validation is bypassed.
	rx := f.prescribe(t, item("MedA", math.MaxInt), item("meda", math.MaxInt))

	res, err := f.engine.Dispense(ctx, rx.ID, "")
	if !errors.Is(err, pharmacy.ErrInvalidLineItem) {
		t.Fatalf("expected ErrInvalidLineItem, got %v (result %+v)", err, res)
	}
	if got := f.stock(t, "MedA"); got != 10 {
		t.Errorf("MedA stock = %d, want 10", got)
	}
	stored, err := f.store.GetPrescription(ctx, rx.ID, false)
	if err != nil {
		t.Fatalf("GetPrescription: %v", err)
	}
	if stored.Status == pharmacy.StatusDispensed {
		t.Error("prescription must not be dispensed")
	}
}

// alternatingRepo lets every first deduction of an attempt succeed and
// fails every second one.
type alternatingRepo struct {
	*racingRepo
}

func (r *alternatingRepo) DeductStockIfSufficient(ctx context.Context, medicineID int64, qty int) (int, bool, error) {
	if r.calls%2 == 1 {
		r.calls++
		return 0, false, nil
	}
	return r.racingRepo.DeductStockIfSufficient(ctx, medicineID, qty)
}

func TestDispense_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"MedX": 10})

	empty := f.prescribe(t)
	cancelled := f.prescribe(t, item("MedX", 1))
	if _, _, err := f.engine.UpdateStatus(ctx, cancelled.ID, pharmacy.StatusCancelled, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	tests := []struct {
		name string
		id   int64
		want error
	}{
		{"unknown", 999, pharmacy.ErrPrescriptionNotFound},
		{"empty", empty.ID, pharmacy.ErrEmptyPrescription},
		{"cancelled", cancelled.ID, pharmacy.ErrInvalidTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.Dispense(ctx, tt.id, ""); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"MedX": 10})
	rx := f.prescribe(t, item("MedX", 2))

	updated, res, err := f.engine.UpdateStatus(ctx, rx.ID, pharmacy.StatusPreparing, "Counting tablets")
	if err != nil {
		t.Fatalf("UpdateStatus(preparing): %v", err)
	}
	if res != nil || updated.Status != pharmacy.StatusPreparing || updated.PharmacyNotes != "Counting tablets" {
		t.Errorf("updated = %+v", updated)
	}

	if _, _, err := f.engine.UpdateStatus(ctx, rx.ID, "shipped", ""); !errors.Is(err, pharmacy.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for unknown status, got %v", err)
	}

	updated, res, err = f.engine.UpdateStatus(ctx, rx.ID, pharmacy.StatusDispensed, "")
	if err != nil {
		t.Fatalf("UpdateStatus(dispensed): %v", err)
	}
	if res == nil || !res.Dispensed || updated.Status != pharmacy.StatusDispensed {
		t.Errorf("dispense via status: res %+v status %s", res, updated.Status)
	}
	if got := f.stock(t, "MedX"); got != 8 {
		t.Errorf("stock = %d, want 8", got)
	}

	if _, _, err := f.engine.UpdateStatus(ctx, rx.ID, pharmacy.StatusReady, ""); !errors.Is(err, pharmacy.ErrAlreadyDispensed) {
		t.Errorf("expected ErrAlreadyDispensed, got %v", err)
	}
	if n := len(f.store.EventsOfType(events.EventPrescriptionStatusChanged)); n != 1 {
		t.Errorf("status events = %d, want 1", n)
	}
}

func TestDispense_LowStockEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, map[string]int{"MedX": 8})
	rx := f.prescribe(t, item("MedX", 4))

	if _, err := f.engine.Dispense(ctx, rx.ID, ""); err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if n := len(f.store.EventsOfType(events.EventMedicineLowStock)); n != 1 {
		t.Errorf("low stock events = %d, want 1", n)
	}

	low, err := f.engine.LowStock(ctx)
	if err != nil {
		t.Fatalf("LowStock: %v", err)
	}
	if len(low) != 1 || low[0].StockQuantity != 4 {
		t.Errorf("low stock = %+v", low)
	}
}
