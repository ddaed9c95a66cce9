package queue

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/medisync/go-cpf/internal/domain/appointment"
	"github.com/medisync/go-cpf/internal/domain/events"
	"github.com/medisync/go-cpf/internal/domain/pharmacy"
	"github.com/medisync/go-cpf/internal/infrastructure/memory"
	"github.com/medisync/go-cpf/internal/platform/clock"
	"github.com/medisync/go-cpf/internal/service/dispensing"
)

var (
	testNow   = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	testToday = time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = 0
	return cfg
}

type fixture struct {
	svc   *Service
	store *memory.Store
	clock *clock.Fixed
}

func newFixture(t *testing.T, doctors ...*appointment.Doctor) *fixture {
	t.Helper()
	clk := clock.NewFixed(testNow)
	store := memory.New(clk)
	svc := NewService(store, store, store, clk, testConfig(), nil, zaptest.NewLogger(t))

	for _, d := range doctors {
		if err := svc.RegisterDoctor(context.Background(), d); err != nil {
			t.Fatalf("RegisterDoctor: %v", err)
		}
	}
	return &fixture{svc: svc, store: store, clock: clk}
}

func doctor(id int64, capacity int) *appointment.Doctor {
	return &appointment.Doctor{UserID: id, Name: "Dr. Test", MaxPatientsPerDay: capacity, Active: true}
}

func (f *fixture) book(t *testing.T, patientID, doctorID int64, day time.Time) *Booking {
	t.Helper()
	b, err := f.svc.BookAppointment(context.Background(), BookRequest{PatientID: patientID, DoctorID: doctorID, Date: day})
	if err != nil {
		t.Fatalf("BookAppointment(patient %d): %v", patientID, err)
	}
	return b
}

func (f *fixture) status(t *testing.T, id int64) appointment.Status {
	t.Helper()
	a, err := f.store.GetAppointment(context.Background(), id, false)
	if err != nil {
		t.Fatalf("GetAppointment(%d): %v", id, err)
	}
	return a.Status
}

func (f *fixture) currentToken(t *testing.T, doctorID int64) int {
	t.Helper()
	d, err := f.store.GetDoctor(context.Background(), doctorID, false)
	if err != nil {
		t.Fatalf("GetDoctor: %v", err)
	}
	return d.CurrentToken
}

func TestClinicDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, doctor(1, 2))
	engine := dispensing.NewEngine(f.store, f.store, f.clock, dispensing.Config{}, nil, zaptest.NewLogger(t))

	if err := engine.AddMedicine(ctx, &pharmacy.Medicine{Name: "MedX", StockQuantity: 10, IsAvailable: true}); err != nil {
		t.Fatalf("AddMedicine: %v", err)
	}

	b1 := f.book(t, 101, 1, testToday)
	b2 := f.book(t, 102, 1, testToday)
	if b1.TokenNumber != 1 || b1.Status != appointment.StatusInQueue {
		t.Fatalf("patient 1: token %d status %s, want 1 in_queue", b1.TokenNumber, b1.Status)
	}
	if b2.TokenNumber != 2 || b2.Status != appointment.StatusInQueue {
		t.Fatalf("patient 2: token %d status %s, want 2 in_queue", b2.TokenNumber, b2.Status)
	}
	if b2.Position != 2 || b2.EstimatedWaitMinutes != 15 {
		t.Errorf("patient 2: position %d wait %d, want 2 and 15", b2.Position, b2.EstimatedWaitMinutes)
	}

	_, err := f.svc.BookAppointment(ctx, BookRequest{PatientID: 103, DoctorID: 1, Date: testToday})
	if !errors.Is(err, appointment.ErrCapacityExceeded) {
		t.Fatalf("patient 3: expected ErrCapacityExceeded, got %v", err)
	}

	call, err := f.svc.CallNextPatient(ctx, 1)
	if err != nil {
		t.Fatalf("CallNextPatient: %v", err)
	}
	if call.Called == nil || call.Called.ID != b1.AppointmentID || call.CurrentToken != 1 {
		t.Fatalf("first call: got %+v, want patient 1 with token 1", call)
	}
	if got := f.status(t, b1.AppointmentID); got != appointment.StatusConsulting {
		t.Errorf("patient 1 status = %s, want consulting", got)
	}

	call, err = f.svc.CallNextPatient(ctx, 1)
	if err != nil {
		t.Fatalf("CallNextPatient: %v", err)
	}
	if call.Completed == nil || call.Completed.ID != b1.AppointmentID {
		t.Errorf("second call should complete patient 1, got %+v", call.Completed)
	}
	if got := f.status(t, b1.AppointmentID); got != appointment.StatusCompleted {
		t.Errorf("patient 1 status = %s, want completed", got)
	}
	if got := f.status(t, b2.AppointmentID); got != appointment.StatusConsulting {
		t.Errorf("patient 2 status = %s, want consulting", got)
	}
	if got := f.currentToken(t, 1); got != 2 {
		t.Errorf("current token = %d, want 2", got)
	}

	done, err := f.svc.CompleteConsultation(ctx, CompleteRequest{
		AppointmentID: b2.AppointmentID,
		DoctorID:      1,
		Notes:         "Rest and fluids",
		Items:         []pharmacy.LineItem{{MedicineName: "MedX", Quantity: 10}},
	})
	if err != nil {
		t.Fatalf("CompleteConsultation: %v", err)
	}
	if done.Prescription == nil || done.Prescription.Status != pharmacy.StatusPending {
		t.Fatalf("expected a pending prescription, got %+v", done.Prescription)
	}

	res, err := engine.Dispense(ctx, done.Prescription.ID, "")
	if err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	if !res.Dispensed {
		t.Fatalf("expected dispensed, got issues %+v", res.StockIssues)
	}
	med, _ := f.store.FindMedicineByName(ctx, "MedX", false)
	if med.StockQuantity != 0 {
		t.Errorf("MedX stock = %d, want 0", med.StockQuantity)
	}

	if _, err := engine.Dispense(ctx, done.Prescription.ID, ""); !errors.Is(err, pharmacy.ErrAlreadyDispensed) {
		t.Errorf("second dispense: expected ErrAlreadyDispensed, got %v", err)
	}
}

func TestBookAppointment_Rejections(t *testing.T) {
	ctx := context.Background()
	inactive := doctor(2, 10)
	inactive.Active = false
	f := newFixture(t, doctor(1, 10), inactive)
	f.book(t, 50, 1, testToday)

	tests := []struct {
		name string
		req  BookRequest
		want error
	}{
		{"missing patient", BookRequest{DoctorID: 1, Date: testToday}, appointment.ErrInvalidRequest},
		{"missing date", BookRequest{PatientID: 1, DoctorID: 1}, appointment.ErrInvalidRequest},
		{"past date", BookRequest{PatientID: 1, DoctorID: 1, Date: testToday.AddDate(0, 0, -1)}, appointment.ErrPastDate},
		{"unknown priority", BookRequest{PatientID: 1, DoctorID: 1, Date: testToday, Priority: "urgent"}, appointment.ErrInvalidRequest},
		{"unknown doctor", BookRequest{PatientID: 1, DoctorID: 99, Date: testToday}, appointment.ErrDoctorNotFound},
		{"inactive doctor", BookRequest{PatientID: 1, DoctorID: 2, Date: testToday}, appointment.ErrDoctorNotFound},
		{"already booked", BookRequest{PatientID: 50, DoctorID: 1, Date: testToday}, appointment.ErrDuplicateBooking},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.BookAppointment(ctx, tt.req)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestBookAppointment_FutureDateStartsBooked(t *testing.T) {
	f := newFixture(t, doctor(1, 10))
	tomorrow := testToday.AddDate(0, 0, 1)

	b := f.book(t, 1, 1, tomorrow)
	if b.Status != appointment.StatusBooked {
		t.Errorf("status = %s, want booked", b.Status)
	}
	if b.TokenNumber != 1 {
		t.Errorf("token = %d, want 1", b.TokenNumber)
	}
	if b.Appointment.Symptoms != appointment.DefaultSymptoms {
		t.Errorf("symptoms = %q, want default", b.Appointment.Symptoms)
	}

	// Token sequences are per day.
	if got := f.book(t, 2, 1, testToday).TokenNumber; got != 1 {
		t.Errorf("today's first token = %d, want 1", got)
	}
}

func TestBookAppointment_CancelledDoesNotCountAgainstCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, doctor(1, 2))

	b1 := f.book(t, 1, 1, testToday)
	f.book(t, 2, 1, testToday)

	if _, err := f.svc.CancelAppointment(ctx, b1.AppointmentID, "patient"); err != nil {
		t.Fatalf("CancelAppointment: %v", err)
	}

	b3 := f.book(t, 3, 1, testToday)
	if b3.TokenNumber != 3 {
		t.Errorf("token = %d, want 3; cancelled tokens are never reused", b3.TokenNumber)
	}
	if b3.Position != 2 {
		t.Errorf("position = %d, want 2", b3.Position)
	}
}

func TestBookAppointment_ConcurrentTokensAreUnique(t *testing.T) {
	f := newFixture(t, doctor(1, 100))
	const patients = 40

	tokens := make([]int, patients)
	var g errgroup.Group
	for i := 0; i < patients; i++ {
		i := i
		g.Go(func() error {
			b, err := f.svc.BookAppointment(context.Background(), BookRequest{
				PatientID: int64(1000 + i), DoctorID: 1, Date: testToday,
			})
			if err != nil {
				return err
			}
			tokens[i] = b.TokenNumber
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("booking failed: %v", err)
	}

	sort.Ints(tokens)
	for i, tok := range tokens {
		if tok != i+1 {
			t.Fatalf("tokens = %v, want 1..%d without gaps or duplicates", tokens, patients)
		}
	}
	if got := len(f.store.EventsOfType(events.EventAppointmentBooked)); got != patients {
		t.Errorf("booked events = %d, want %d", got, patients)
	}
}

// staleTokenRepo under-reports MaxToken, simulating a concurrent booking
// that committed between the read and the insert.
type staleTokenRepo struct {
	*memory.Store
	staleReads int
}

func (r *staleTokenRepo) MaxToken(ctx context.Context, doctorID int64, day time.Time) (int, error) {
	n, err := r.Store.MaxToken(ctx, doctorID, day)
	if r.staleReads > 0 {
		r.staleReads--
		return 0, err
	}
	return n, err
}

func TestAllocate_RetriesTokenCollision(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixed(testNow)
	store := memory.New(clk)
	_ = store.UpsertDoctor(ctx, doctor(1, 10))

	repo := &staleTokenRepo{Store: store}
	svc := NewService(repo, store, store, clk, testConfig(), nil, zaptest.NewLogger(t))

	if _, err := svc.BookAppointment(ctx, BookRequest{PatientID: 1, DoctorID: 1, Date: testToday}); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	repo.staleReads = 2
	b, err := svc.BookAppointment(ctx, BookRequest{PatientID: 2, DoctorID: 1, Date: testToday})
	if err != nil {
		t.Fatalf("expected the third attempt to succeed, got %v", err)
	}
	if b.TokenNumber != 2 {
		t.Errorf("token = %d, want 2", b.TokenNumber)
	}
}

func TestAllocate_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFixed(testNow)
	store := memory.New(clk)
	_ = store.UpsertDoctor(ctx, doctor(1, 10))

	repo := &staleTokenRepo{Store: store}
	svc := NewService(repo, store, store, clk, testConfig(), nil, zaptest.NewLogger(t))

	if _, err := svc.BookAppointment(ctx, BookRequest{PatientID: 1, DoctorID: 1, Date: testToday}); err != nil {
		t.Fatalf("first booking: %v", err)
	}

	repo.staleReads = 100
	_, err := svc.BookAppointment(ctx, BookRequest{PatientID: 2, DoctorID: 1, Date: testToday})
	if !errors.Is(err, appointment.ErrConcurrencyConflict) {
		t.Fatalf("expected ErrConcurrencyConflict, got %v", err)
	}
	if want := 100 - int(testConfig().MaxBookingAttempts); repo.staleReads != want {
		t.Errorf("stale reads left = %d, want %d", repo.staleReads, want)
	}
	if n, _ := store.CountBooked(ctx, 1, testToday); n != 1 {
		t.Errorf("booked = %d, want 1; failed attempts must not persist", n)
	}
}

func TestGetQueueStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, doctor(1, 10))

	var ids []int64
	for p := int64(1); p <= 4; p++ {
		ids = append(ids, f.book(t, p, 1, testToday).AppointmentID)
	}

	st, err := f.svc.GetQueueStatus(ctx, ids[3])
	if err != nil {
		t.Fatalf("GetQueueStatus: %v", err)
	}
	if st.Position != 4 || st.AheadCount != 3 || st.EstimatedWaitMinutes != 45 {
		t.Errorf("got position %d ahead %d wait %d, want 4/3/45", st.Position, st.AheadCount, st.EstimatedWaitMinutes)
	}

	if _, err := f.svc.CancelAppointment(ctx, ids[1], "patient"); err != nil {
		t.Fatalf("CancelAppointment: %v", err)
	}
	if _, err := f.svc.CallNextPatient(ctx, 1); err != nil {
		t.Fatalf("CallNextPatient: %v", err)
	}

	st, _ = f.svc.GetQueueStatus(ctx, ids[3])
	if st.Position != 3 || st.CurrentDoctorToken != 1 {
		t.Errorf("got position %d current %d, want 3 and 1", st.Position, st.CurrentDoctorToken)
	}

	st, _ = f.svc.GetQueueStatus(ctx, ids[1])
	if st.Status != appointment.StatusCancelled || st.Position != 0 {
		t.Errorf("cancelled appointment: status %s position %d, want cancelled and 0", st.Status, st.Position)
	}

	if _, err := f.svc.GetQueueStatus(ctx, 999); !errors.Is(err, appointment.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueuePositionsStayOrdered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, doctor(1, 10))

	var ids []int64
	for p := int64(1); p <= 6; p++ {
		ids = append(ids, f.book(t, p, 1, testToday).AppointmentID)
	}

	check := func(stage string) {
		prev := 0
		for _, id := range ids {
			st, err := f.svc.GetQueueStatus(ctx, id)
			if err != nil {
				t.Fatalf("%s: GetQueueStatus: %v", stage, err)
			}
			if !st.Status.IsActive() {
				continue
			}
			if st.Position <= prev {
				t.Fatalf("%s: token %d has position %d after %d", stage, st.TokenNumber, st.Position, prev)
			}
			prev = st.Position
		}
	}

	check("initial")
	_, _ = f.svc.CancelAppointment(ctx, ids[2], "patient")
	check("after cancel")
	_, _ = f.svc.CallNextPatient(ctx, 1)
	check("after call")
	_, _ = f.svc.CallNextPatient(ctx, 1)
	check("after second call")
}

func TestCallNextPatient_OneConsultingAtATime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, doctor(1, 10))
	for p := int64(1); p <= 3; p++ {
		f.book(t, p, 1, testToday)
	}

	for i := 0; i < 5; i++ {
		if _, err := f.svc.CallNextPatient(ctx, 1); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
		consulting, _ := f.store.ListByStatus(ctx, 1, testToday, appointment.StatusConsulting, false)
		if len(consulting) > 1 {
			t.Fatalf("call %d: %d patients consulting", i+1, len(consulting))
		}
	}

	summary, err := f.svc.DailySummary(ctx, 1, testToday)
	if err != nil {
		t.Fatalf("DailySummary: %v", err)
	}
	if summary.Completed != 3 || summary.Pending != 0 || summary.Consulting != 0 {
		t.Errorf("summary = %+v, want all three completed", summary)
	}
	if got := f.currentToken(t, 1); got != 0 {
		t.Errorf("current token = %d, want 0 once the queue drains", got)
	}
}

func TestCallNextPatient_ConcurrentCallers(t *testing.T) {
	f := newFixture(t, doctor(1, 50))
	for p := int64(1); p <= 10; p++ {
		f.book(t, p, 1, testToday)
	}

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := f.svc.CallNextPatient(context.Background(), 1)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("CallNextPatient: %v", err)
	}

	ctx := context.Background()
	consulting, _ := f.store.ListByStatus(ctx, 1, testToday, appointment.StatusConsulting, false)
	completed, _ := f.store.ListByStatus(ctx, 1, testToday, appointment.StatusCompleted, false)
	if len(consulting) != 1 || len(completed) != 9 {
		t.Errorf("consulting %d completed %d, want 1 and 9", len(consulting), len(completed))
	}
	if got := f.currentToken(t, 1); got != consulting[0].TokenNumber {
		t.Errorf("current token = %d, want %d", got, consulting[0].TokenNumber)
	}
}

func TestCallNextPatient_EmptyQueue(t *testing.T) {
	f := newFixture(t, doctor(1, 10))

	res, err := f.svc.CallNextPatient(context.Background(), 1)
	if err != nil {
		t.Fatalf("CallNextPatient: %v", err)
	}
	if !res.QueueEmpty() || res.Completed != nil {
		t.Errorf("expected an empty result, got %+v", res)
	}

	if _, err := f.svc.CallNextPatient(context.Background(), 42); !errors.Is(err, appointment.ErrDoctorNotFound) {
		t.Errorf("expected ErrDoctorNotFound, got %v", err)
	}
}

func TestCallNextPatient_DrainingQueueClearsCurrentToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, doctor(1, 10))
	b := f.book(t, 1, 1, testToday)

	if _, err := f.svc.CallNextPatient(ctx, 1); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if got := f.currentToken(t, 1); got != b.TokenNumber {
		t.Fatalf("current token = %d, want %d", got, b.TokenNumber)
	}

	res, err := f.svc.CallNextPatient(ctx, 1)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if res.Completed == nil || res.Completed.ID != b.AppointmentID {
		t.Fatalf("completed = %+v, want appointment %d", res.Completed, b.AppointmentID)
	}
	if res.Called != nil || res.CurrentToken != 0 {
		t.Errorf("result = %+v, want nobody called and token 0", res)
	}
	if got := f.currentToken(t, 1); got != 0 {
		t.Errorf("stored current token = %d, want 0", got)
	}
}

func TestCallNextPatient_PromotesTodaysBookings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, doctor(1, 10))

	// Booked yesterday for today.
	f.clock.Set(testNow.AddDate(0, 0, -1))
	b := f.book(t, 1, 1, testToday)
	if b.Status != appointment.StatusBooked {
		t.Fatalf("status = %s, want booked", b.Status)
	}

	f.clock.Set(testNow)
	res, err := f.svc.CallNextPatient(ctx, 1)
	if err != nil {
		t.Fatalf("CallNextPatient: %v", err)
	}
	if res.Called == nil || res.Called.ID != b.AppointmentID {
		t.Errorf("expected the booked patient to be called, got %+v", res.Called)
	}
}

func TestCompleteConsultation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, doctor(1, 10), doctor(2, 10))

	waiting := f.book(t, 1, 1, testToday)
	if _, err := f.svc.CompleteConsultation(ctx, CompleteRequest{AppointmentID: waiting.AppointmentID}); !errors.Is(err, appointment.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for a waiting patient, got %v", err)
	}

	if _, err := f.svc.CallNextPatient(ctx, 1); err != nil {
		t.Fatalf("CallNextPatient: %v", err)
	}

	if _, err := f.svc.CompleteConsultation(ctx, CompleteRequest{AppointmentID: waiting.AppointmentID, DoctorID: 2}); !errors.Is(err, appointment.ErrNotFound) {
		t.Errorf("expected ErrNotFound for another doctor, got %v", err)
	}

	bad := []pharmacy.LineItem{{MedicineName: "Amoxicillin", Quantity: 0}}
	if _, err := f.svc.CompleteConsultation(ctx, CompleteRequest{AppointmentID: waiting.AppointmentID, Items: bad}); !errors.Is(err, pharmacy.ErrInvalidLineItem) {
		t.Errorf("expected ErrInvalidLineItem, got %v", err)
	}

	done, err := f.svc.CompleteConsultation(ctx, CompleteRequest{
		AppointmentID: waiting.AppointmentID,
		Notes:         "Follow up in a week",
		Diagnosis:     "Sinusitis",
		Items: []pharmacy.LineItem{
			{MedicineName: "Amoxicillin", Quantity: 21, Dosage: "500mg"},
			{MedicineName: "Saline spray", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("CompleteConsultation: %v", err)
	}
	if done.Appointment.Status != appointment.StatusCompleted || done.Appointment.DoctorNotes != "Follow up in a week" {
		t.Errorf("appointment = %+v", done.Appointment)
	}
	if len(done.Prescription.PickupToken) != 4 {
		t.Errorf("pickup token = %q, want four digits", done.Prescription.PickupToken)
	}
	if got := f.currentToken(t, 1); got != 0 {
		t.Errorf("current token = %d, want 0", got)
	}
	if n := len(f.store.EventsOfType(events.EventPrescriptionIssued)); n != 1 {
		t.Errorf("prescription events = %d, want 1", n)
	}

	if _, err := f.svc.CompleteConsultation(ctx, CompleteRequest{AppointmentID: waiting.AppointmentID}); !errors.Is(err, appointment.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState on second completion, got %v", err)
	}
}

func TestCancelAppointment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, doctor(1, 10))

	b := f.book(t, 1, 1, testToday)
	if _, err := f.svc.CallNextPatient(ctx, 1); err != nil {
		t.Fatalf("CallNextPatient: %v", err)
	}

	cancelled, err := f.svc.CancelAppointment(ctx, b.AppointmentID, "doctor")
	if err != nil {
		t.Fatalf("CancelAppointment: %v", err)
	}
	if cancelled.Status != appointment.StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if got := f.currentToken(t, 1); got != 0 {
		t.Errorf("current token = %d, want 0 after cancelling the consulting patient", got)
	}

	if _, err := f.svc.CancelAppointment(ctx, b.AppointmentID, "doctor"); !errors.Is(err, appointment.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
	if _, err := f.svc.CancelAppointment(ctx, 404, "doctor"); !errors.Is(err, appointment.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDoctorQueueAndPatientHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, doctor(1, 10), doctor(2, 10))

	f.book(t, 1, 1, testToday)
	second := f.book(t, 2, 1, testToday)
	f.book(t, 1, 2, testToday.AddDate(0, 0, 2))
	_, _ = f.svc.CancelAppointment(ctx, second.AppointmentID, "patient")

	q, err := f.svc.DoctorQueue(ctx, 1, testToday)
	if err != nil {
		t.Fatalf("DoctorQueue: %v", err)
	}
	if len(q) != 1 || q[0].Position != 1 || q[0].PatientID != 1 {
		t.Errorf("queue = %+v, want patient 1 only", q)
	}

	history, err := f.svc.PatientAppointments(ctx, 1)
	if err != nil {
		t.Fatalf("PatientAppointments: %v", err)
	}
	if len(history) != 2 || history[0].DoctorID != 2 {
		t.Errorf("history should list the later appointment first, got %d entries", len(history))
	}

	if _, err := f.svc.DoctorQueue(ctx, 77, testToday); !errors.Is(err, appointment.ErrDoctorNotFound) {
		t.Errorf("expected ErrDoctorNotFound, got %v", err)
	}
}
