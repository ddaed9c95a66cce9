// Package memory provides an in-process store implementing the appointment
// and pharmacy repositories and the event recorder. Transactions are
// serialized on one mutex and rolled back by restoring a snapshot.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/medisync/go-cpf/internal/domain/appointment"
	"github.com/medisync/go-cpf/internal/domain/events"
	"github.com/medisync/go-cpf/internal/domain/pharmacy"
	"github.com/medisync/go-cpf/internal/platform/clock"
)

type state struct {
	doctors       map[int64]appointment.Doctor
	appointments  map[int64]appointment.Appointment
	prescriptions map[int64]pharmacy.Prescription
	medicines     map[int64]pharmacy.Medicine
	events        []*events.Event

	nextAppointmentID  int64
	nextPrescriptionID int64
	nextMedicineID     int64
}

func newState() *state {
	return &state{
		doctors:       make(map[int64]appointment.Doctor),
		appointments:  make(map[int64]appointment.Appointment),
		prescriptions: make(map[int64]pharmacy.Prescription),
		medicines:     make(map[int64]pharmacy.Medicine),
	}
}

func (s *state) clone() *state {
	c := &state{
		doctors:            make(map[int64]appointment.Doctor, len(s.doctors)),
		appointments:       make(map[int64]appointment.Appointment, len(s.appointments)),
		prescriptions:      make(map[int64]pharmacy.Prescription, len(s.prescriptions)),
		medicines:          make(map[int64]pharmacy.Medicine, len(s.medicines)),
		events:             append([]*events.Event(nil), s.events...),
		nextAppointmentID:  s.nextAppointmentID,
		nextPrescriptionID: s.nextPrescriptionID,
		nextMedicineID:     s.nextMedicineID,
	}
	for k, v := range s.doctors {
		c.doctors[k] = v
	}
	for k, v := range s.appointments {
		c.appointments[k] = v
	}
	for k, v := range s.prescriptions {
		c.prescriptions[k] = v
	}
	for k, v := range s.medicines {
		c.medicines[k] = v
	}
	return c
}

// Store is an in-memory repository.
type Store struct {
	mu    sync.Mutex
	st    *state
	clock clock.Clock
}

var (
	_ appointment.Repository = (*Store)(nil)
	_ pharmacy.Repository    = (*Store)(nil)
	_ events.Recorder        = (*Store)(nil)
)

// New creates an empty store. A nil clock uses the wall clock.
func New(clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.System{}
	}
	return &Store{st: newState(), clock: clk}
}

type txKey struct{}

// InTx runs fn with exclusive access to the store. If fn returns an error,
// every change it made is discarded.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(context.WithValue(ctx, txKey{}, s)); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(txKey{}).(*Store)
	return owner == s
}

// acquire locks the store unless ctx already holds it through InTx.
func (s *Store) acquire(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

func (s *Store) now() time.Time {
	return s.clock.Now().UTC()
}

// Record appends an event.
func (s *Store) Record(ctx context.Context, e *events.Event) error {
	defer s.acquire(ctx)()
	s.st.events = append(s.st.events, e)
	return nil
}

// Events returns the recorded events in order.
func (s *Store) Events() []*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*events.Event(nil), s.st.events...)
}

// EventsOfType returns the recorded events of type t.
func (s *Store) EventsOfType(t events.EventType) []*events.Event {
	var out []*events.Event
	for _, e := range s.Events() {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// Appointments

func (s *Store) UpsertDoctor(ctx context.Context, d *appointment.Doctor) error {
	defer s.acquire(ctx)()
	if existing, ok := s.st.doctors[d.UserID]; ok {
		d.CurrentToken = existing.CurrentToken
	}
	s.st.doctors[d.UserID] = *d
	return nil
}

func (s *Store) GetDoctor(ctx context.Context, doctorID int64, _ bool) (*appointment.Doctor, error) {
	defer s.acquire(ctx)()
	d, ok := s.st.doctors[doctorID]
	if !ok {
		return nil, appointment.ErrDoctorNotFound
	}
	return &d, nil
}

func (s *Store) SetCurrentToken(ctx context.Context, doctorID int64, token int) error {
	defer s.acquire(ctx)()
	d, ok := s.st.doctors[doctorID]
	if !ok {
		return appointment.ErrDoctorNotFound
	}
	d.CurrentToken = token
	s.st.doctors[doctorID] = d
	return nil
}

func (s *Store) GetAppointment(ctx context.Context, id int64, _ bool) (*appointment.Appointment, error) {
	defer s.acquire(ctx)()
	a, ok := s.st.appointments[id]
	if !ok {
		return nil, appointment.ErrNotFound
	}
	return &a, nil
}

func (s *Store) ListForDay(ctx context.Context, doctorID int64, day time.Time) ([]*appointment.Appointment, error) {
	defer s.acquire(ctx)()
	return s.filterAppointments(func(a *appointment.Appointment) bool {
		return a.DoctorID == doctorID && a.Date.Equal(day)
	}), nil
}

func (s *Store) ListByStatus(ctx context.Context, doctorID int64, day time.Time, status appointment.Status, _ bool) ([]*appointment.Appointment, error) {
	defer s.acquire(ctx)()
	return s.filterAppointments(func(a *appointment.Appointment) bool {
		return a.DoctorID == doctorID && a.Date.Equal(day) && a.Status == status
	}), nil
}

func (s *Store) ListForPatient(ctx context.Context, patientID int64) ([]*appointment.Appointment, error) {
	defer s.acquire(ctx)()
	out := s.filterAppointments(func(a *appointment.Appointment) bool {
		return a.PatientID == patientID
	})
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *Store) CountBooked(ctx context.Context, doctorID int64, day time.Time) (int, error) {
	defer s.acquire(ctx)()
	n := 0
	for _, a := range s.st.appointments {
		if a.DoctorID == doctorID && a.Date.Equal(day) && a.Status != appointment.StatusCancelled {
			n++
		}
	}
	return n, nil
}

func (s *Store) MaxToken(ctx context.Context, doctorID int64, day time.Time) (int, error) {
	defer s.acquire(ctx)()
	max := 0
	for _, a := range s.st.appointments {
		if a.DoctorID == doctorID && a.Date.Equal(day) && a.TokenNumber > max {
			max = a.TokenNumber
		}
	}
	return max, nil
}

func (s *Store) FindActiveForPatient(ctx context.Context, patientID, doctorID int64, day time.Time) (*appointment.Appointment, error) {
	defer s.acquire(ctx)()
	for _, a := range s.st.appointments {
		if a.PatientID == patientID && a.DoctorID == doctorID && a.Date.Equal(day) && a.Status.IsActive() {
			return &a, nil
		}
	}
	return nil, nil
}

func (s *Store) Insert(ctx context.Context, a *appointment.Appointment) error {
	defer s.acquire(ctx)()
	for _, existing := range s.st.appointments {
		if existing.DoctorID == a.DoctorID && existing.Date.Equal(a.Date) && existing.TokenNumber == a.TokenNumber {
			return appointment.ErrDuplicateToken
		}
	}
	s.st.nextAppointmentID++
	now := s.now()
	a.ID = s.st.nextAppointmentID
	a.CreatedAt = now
	a.UpdatedAt = now
	s.st.appointments[a.ID] = *a
	return nil
}

func (s *Store) Transition(ctx context.Context, id int64, from, to appointment.Status, at time.Time) error {
	defer s.acquire(ctx)()
	a, ok := s.st.appointments[id]
	if !ok {
		return appointment.ErrNotFound
	}
	if a.Status != from {
		return appointment.ErrInvalidState
	}
	a.Status = to
	a.UpdatedAt = at.UTC()
	switch to {
	case appointment.StatusConsulting:
		t := at.UTC()
		a.StartedAt = &t
	case appointment.StatusCompleted:
		t := at.UTC()
		a.CompletedAt = &t
	}
	s.st.appointments[id] = a
	return nil
}

func (s *Store) SetDoctorNotes(ctx context.Context, id int64, notes string) error {
	defer s.acquire(ctx)()
	a, ok := s.st.appointments[id]
	if !ok {
		return appointment.ErrNotFound
	}
	a.DoctorNotes = notes
	a.UpdatedAt = s.now()
	s.st.appointments[id] = a
	return nil
}

func (s *Store) PromoteDue(ctx context.Context, day time.Time, doctorID int64) (int64, error) {
	defer s.acquire(ctx)()
	var n int64
	now := s.now()
	for id, a := range s.st.appointments {
		if a.Status != appointment.StatusBooked || !a.Date.Equal(day) {
			continue
		}
		if doctorID != 0 && a.DoctorID != doctorID {
			continue
		}
		a.Status = appointment.StatusInQueue
		a.UpdatedAt = now
		s.st.appointments[id] = a
		n++
	}
	return n, nil
}

func (s *Store) ExpireBefore(ctx context.Context, day time.Time) (int64, error) {
	defer s.acquire(ctx)()
	var n int64
	now := s.now()
	for id, a := range s.st.appointments {
		if a.Date.Before(day) && a.Status.IsActive() {
			a.Status = appointment.StatusExpired
			a.UpdatedAt = now
			s.st.appointments[id] = a
			n++
		}
	}
	return n, nil
}

func (s *Store) ResetIdleDoctors(ctx context.Context, day time.Time) (int64, error) {
	defer s.acquire(ctx)()
	busy := make(map[int64]bool)
	for _, a := range s.st.appointments {
		if a.Status == appointment.StatusConsulting && a.Date.Equal(day) {
			busy[a.DoctorID] = true
		}
	}
	var n int64
	for id, d := range s.st.doctors {
		if d.CurrentToken != 0 && !busy[id] {
			d.CurrentToken = 0
			s.st.doctors[id] = d
			n++
		}
	}
	return n, nil
}

func (s *Store) filterAppointments(keep func(a *appointment.Appointment) bool) []*appointment.Appointment {
	var out []*appointment.Appointment
	for _, a := range s.st.appointments {
		a := a
		if keep(&a) {
			out = append(out, &a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenNumber < out[j].TokenNumber })
	return out
}

// Pharmacy

func (s *Store) InsertPrescription(ctx context.Context, p *pharmacy.Prescription) error {
	defer s.acquire(ctx)()
	if _, ok := s.st.appointments[p.AppointmentID]; !ok {
		return appointment.ErrNotFound
	}
	s.st.nextPrescriptionID++
	now := s.now()
	p.ID = s.st.nextPrescriptionID
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = pharmacy.StatusPending
	}
	stored := *p
	stored.Items = append([]pharmacy.LineItem(nil), p.Items...)
	s.st.prescriptions[p.ID] = stored
	return nil
}

func (s *Store) GetPrescription(ctx context.Context, id int64, _ bool) (*pharmacy.Prescription, error) {
	defer s.acquire(ctx)()
	p, ok := s.st.prescriptions[id]
	if !ok {
		return nil, pharmacy.ErrPrescriptionNotFound
	}
	p.Items = append([]pharmacy.LineItem(nil), p.Items...)
	return &p, nil
}

func (s *Store) ListPrescriptions(ctx context.Context, f pharmacy.PrescriptionFilter) ([]*pharmacy.Prescription, error) {
	defer s.acquire(ctx)()
	var out []*pharmacy.Prescription
	for _, p := range s.st.prescriptions {
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		if f.PatientID != 0 && p.PatientID != f.PatientID {
			continue
		}
		if f.DoctorID != 0 && p.DoctorID != f.DoctorID {
			continue
		}
		p := p
		p.Items = append([]pharmacy.LineItem(nil), p.Items...)
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

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

func (s *Store) UpdatePrescription(ctx context.Context, id int64, status pharmacy.Status, notes string, dispensedAt *time.Time) error {
	defer s.acquire(ctx)()
	p, ok := s.st.prescriptions[id]
	if !ok {
		return pharmacy.ErrPrescriptionNotFound
	}
	p.Status = status
	p.PharmacyNotes = notes
	if dispensedAt != nil {
		t := dispensedAt.UTC()
		p.DispensedAt = &t
	}
	p.UpdatedAt = s.now()
	s.st.prescriptions[id] = p
	return nil
}

func (s *Store) CreateMedicine(ctx context.Context, m *pharmacy.Medicine) error {
	defer s.acquire(ctx)()
	key := pharmacy.NormalizeName(m.Name)
	for _, existing := range s.st.medicines {
		if pharmacy.NormalizeName(existing.Name) == key {
			return pharmacy.ErrDuplicateMedicine
		}
	}
	if m.StockQuantity < 0 {
		return pharmacy.ErrInvalidMedicine
	}
	s.st.nextMedicineID++
	now := s.now()
	m.ID = s.st.nextMedicineID
	m.CreatedAt = now
	m.UpdatedAt = now
	s.st.medicines[m.ID] = *m
	return nil
}

func (s *Store) GetMedicine(ctx context.Context, id int64) (*pharmacy.Medicine, error) {
	defer s.acquire(ctx)()
	m, ok := s.st.medicines[id]
	if !ok {
		return nil, pharmacy.ErrMedicineNotFound
	}
	return &m, nil
}

func (s *Store) FindMedicineByName(ctx context.Context, name string, _ bool) (*pharmacy.Medicine, error) {
	defer s.acquire(ctx)()
	key := pharmacy.NormalizeName(name)
	for _, m := range s.st.medicines {
		if pharmacy.NormalizeName(m.Name) == key {
			return &m, nil
		}
	}
	return nil, pharmacy.ErrMedicineNotFound
}

func (s *Store) DeductStockIfSufficient(ctx context.Context, medicineID int64, qty int) (int, bool, error) {
	if qty <= 0 {
		return 0, false, fmt.Errorf("%w: deduct quantity %d must be positive", pharmacy.ErrInvalidLineItem, qty)
	}
	defer s.acquire(ctx)()
	m, ok := s.st.medicines[medicineID]
	if !ok || !m.IsAvailable || m.StockQuantity < qty {
		return 0, false, nil
	}
	m.StockQuantity -= qty
	m.UpdatedAt = s.now()
	s.st.medicines[medicineID] = m
	return m.StockQuantity, true, nil
}

func (s *Store) RestockMedicine(ctx context.Context, medicineID int64, qty int) (*pharmacy.Medicine, error) {
	defer s.acquire(ctx)()
	m, ok := s.st.medicines[medicineID]
	if !ok {
		return nil, pharmacy.ErrMedicineNotFound
	}
	m.StockQuantity += qty
	m.UpdatedAt = s.now()
	s.st.medicines[medicineID] = m
	return &m, nil
}

func (s *Store) ListMedicines(ctx context.Context, onlyAvailable bool) ([]*pharmacy.Medicine, error) {
	defer s.acquire(ctx)()
	var out []*pharmacy.Medicine
	for _, m := range s.st.medicines {
		if onlyAvailable && !m.IsAvailable {
			continue
		}
		m := m
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool {
		return pharmacy.NormalizeName(out[i].Name) < pharmacy.NormalizeName(out[j].Name)
	})
	return out, nil
}

func (s *Store) ListLowStock(ctx context.Context) ([]*pharmacy.Medicine, error) {
	defer s.acquire(ctx)()
	var out []*pharmacy.Medicine
	for _, m := range s.st.medicines {
		if m.IsAvailable && m.LowStock() {
			m := m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StockQuantity < out[j].StockQuantity })
	return out, nil
}
