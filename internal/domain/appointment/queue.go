package appointment

import (
	"sort"
	"time"
)

// Ordering decides who is ahead of whom within one doctor's day.
type Ordering interface {
	Less(a, b *Appointment) bool
}

// ByToken orders strictly by token number.
type ByToken struct{}

// Less reports whether a holds the smaller token.
func (ByToken) Less(a, b *Appointment) bool {
	return a.TokenNumber < b.TokenNumber
}

// QueueStatus is a read-only snapshot of an appointment's place in line.
type QueueStatus struct {
	AppointmentID        int64     `json:"appointment_id"`
	DoctorID             int64     `json:"doctor_id"`
	Date                 time.Time `json:"appointment_date"`
	TokenNumber          int       `json:"token_number"`
	Status               Status    `json:"status"`
	Position             int       `json:"position"`
	AheadCount           int       `json:"patients_ahead"`
	EstimatedWaitMinutes int       `json:"estimated_wait_minutes"`
	CurrentDoctorToken   int       `json:"current_doctor_token"`
}

// Position returns target's 1-based queue position among siblings and the
// number of active appointments ahead of it. Siblings are expected to share
// target's doctor and date; target itself may be present in the slice.
func Position(target *Appointment, siblings []*Appointment, ord Ordering) (position, ahead int) {
	if ord == nil {
		ord = ByToken{}
	}
	for _, s := range siblings {
		if s.ID == target.ID || !s.Status.IsActive() {
			continue
		}
		if ord.Less(s, target) {
			ahead++
		}
	}
	return ahead + 1, ahead
}

// EstimatedWait converts a count of patients ahead into minutes.
func EstimatedWait(ahead, minutesPerPatient int) int {
	if ahead <= 0 || minutesPerPatient <= 0 {
		return 0
	}
	return ahead * minutesPerPatient
}

// First returns the appointment ord ranks first, or nil.
func First(candidates []*Appointment, ord Ordering) *Appointment {
	if ord == nil {
		ord = ByToken{}
	}
	var best *Appointment
	for _, c := range candidates {
		if best == nil || ord.Less(c, best) {
			best = c
		}
	}
	return best
}

// QueueEntry is one row of a doctor's live queue.
type QueueEntry struct {
	*Appointment
	Position int `json:"position"`
}

// ActiveQueue returns the active appointments in queue order with positions.
func ActiveQueue(appts []*Appointment, ord Ordering) []QueueEntry {
	if ord == nil {
		ord = ByToken{}
	}
	active := make([]*Appointment, 0, len(appts))
	for _, a := range appts {
		if a.Status.IsActive() {
			active = append(active, a)
		}
	}
	sort.SliceStable(active, func(i, j int) bool { return ord.Less(active[i], active[j]) })

	entries := make([]QueueEntry, len(active))
	for i, a := range active {
		entries[i] = QueueEntry{Appointment: a, Position: i + 1}
	}
	return entries
}

// DaySummary counts a doctor's appointments for one day by outcome.
type DaySummary struct {
	DoctorID   int64     `json:"doctor_id"`
	Date       time.Time `json:"date"`
	Total      int       `json:"total"`
	Completed  int       `json:"completed"`
	Cancelled  int       `json:"cancelled"`
	Expired    int       `json:"expired"`
	Pending    int       `json:"pending"`
	Consulting int       `json:"consulting"`
}

// Summarize tallies appts into a DaySummary.
func Summarize(doctorID int64, day time.Time, appts []*Appointment) DaySummary {
	s := DaySummary{DoctorID: doctorID, Date: day}
	for _, a := range appts {
		s.Total++
		switch a.Status {
		case StatusCompleted:
			s.Completed++
		case StatusCancelled:
			s.Cancelled++
		case StatusExpired:
			s.Expired++
		case StatusConsulting:
			s.Consulting++
		default:
			s.Pending++
		}
	}
	return s
}
