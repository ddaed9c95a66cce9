package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap/zaptest"

	"github.com/medisync/go-cpf/internal/domain/appointment"
	"github.com/medisync/go-cpf/internal/domain/events"
	"github.com/medisync/go-cpf/internal/domain/pharmacy"
)

// newTestStore connects to TEST_DATABASE_URL, applies the schema and empties
// every table. Tests are skipped when the variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	store := NewStore(pool, zaptest.NewLogger(t))
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := pool.Exec(ctx, `TRUNCATE outbox, inbox, prescriptions, appointments, medicines, doctor_profiles RESTART IDENTITY CASCADE`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return store
}

func TestStore_InsertDuplicateToken(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	if err := store.UpsertDoctor(ctx, &appointment.Doctor{UserID: 7, Name: "Dr. Rao", MaxPatientsPerDay: 5, Active: true}); err != nil {
		t.Fatalf("UpsertDoctor: %v", err)
	}

	first := &appointment.Appointment{PatientID: 1, DoctorID: 7, Date: day, TokenNumber: 1,
		Status: appointment.StatusBooked, Priority: appointment.PriorityNormal}
	if err := store.Insert(ctx, first); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if first.ID == 0 {
		t.Fatal("expected ID to be assigned")
	}

	dup := &appointment.Appointment{PatientID: 2, DoctorID: 7, Date: day, TokenNumber: 1,
		Status: appointment.StatusBooked, Priority: appointment.PriorityNormal}
	if err := store.Insert(ctx, dup); !errors.Is(err, appointment.ErrDuplicateToken) {
		t.Fatalf("expected ErrDuplicateToken, got %v", err)
	}

	got, err := store.GetAppointment(ctx, first.ID, false)
	if err != nil {
		t.Fatalf("GetAppointment: %v", err)
	}
	if !got.Date.Equal(day) {
		t.Errorf("date = %v, want %v", got.Date, day)
	}
}

func TestStore_TransitionRequiresFromStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	_ = store.UpsertDoctor(ctx, &appointment.Doctor{UserID: 7, MaxPatientsPerDay: 5, Active: true})
	a := &appointment.Appointment{PatientID: 1, DoctorID: 7, Date: day, TokenNumber: 1,
		Status: appointment.StatusInQueue, Priority: appointment.PriorityNormal}
	if err := store.Insert(ctx, a); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	now := time.Now()
	if err := store.Transition(ctx, a.ID, appointment.StatusInQueue, appointment.StatusConsulting, now); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := store.Transition(ctx, a.ID, appointment.StatusInQueue, appointment.StatusConsulting, now); !errors.Is(err, appointment.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}

	got, _ := store.GetAppointment(ctx, a.ID, false)
	if got.StartedAt == nil {
		t.Error("expected started_at to be stamped")
	}
}

func TestStore_InTxRollsBackOutbox(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := store.InTx(ctx, func(ctx context.Context) error {
		if err := events.Emit(ctx, store, events.AggregateClinic, 0, events.EventAppointmentsExpired, events.SweepData{}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var n int
	if err := store.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Errorf("outbox rows = %d, want 0", n)
	}
}

func TestStore_DeductStockIfSufficient(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := &pharmacy.Medicine{Name: "Amoxicillin", StockQuantity: 10, ReorderLevel: 5, IsAvailable: true}
	if err := store.CreateMedicine(ctx, m); err != nil {
		t.Fatalf("CreateMedicine: %v", err)
	}
	if err := store.CreateMedicine(ctx, &pharmacy.Medicine{Name: "amoxicillin", IsAvailable: true}); !errors.Is(err, pharmacy.ErrDuplicateMedicine) {
		t.Fatalf("expected ErrDuplicateMedicine, got %v", err)
	}

	remaining, ok, err := store.DeductStockIfSufficient(ctx, m.ID, 4)
	if err != nil || !ok || remaining != 6 {
		t.Fatalf("deduct 4: remaining=%d ok=%v err=%v", remaining, ok, err)
	}
	if _, ok, err := store.DeductStockIfSufficient(ctx, m.ID, 7); err != nil || ok {
		t.Fatalf("deduct 7: ok=%v err=%v, want refused", ok, err)
	}
	if _, ok, err := store.DeductStockIfSufficient(ctx, m.ID, -2); ok || !errors.Is(err, pharmacy.ErrInvalidLineItem) {
		t.Fatalf("deduct -2: ok=%v err=%v, want ErrInvalidLineItem", ok, err)
	}

	found, err := store.FindMedicineByName(ctx, "AMOXICILLIN", false)
	if err != nil {
		t.Fatalf("FindMedicineByName: %v", err)
	}
	if found.StockQuantity != 6 {
		t.Errorf("stock = %d, want 6", found.StockQuantity)
	}

	low, err := store.ListLowStock(ctx)
	if err != nil {
		t.Fatalf("ListLowStock: %v", err)
	}
	if len(low) != 0 {
		t.Errorf("low stock = %d, want 0", len(low))
	}
}
