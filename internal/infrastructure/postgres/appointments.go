package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medisync/go-cpf/internal/domain/appointment"
)

const doctorCols = `user_id, name, department, max_patients_per_day, current_token,
	available_from, available_to, is_active`

const appointmentCols = `id, patient_id, doctor_id, appointment_date, appointment_time,
	token_number, status, priority, symptoms, doctor_notes,
	created_at, updated_at, started_at, completed_at`

func scanDoctor(row pgx.Row) (*appointment.Doctor, error) {
	var d appointment.Doctor
	err := row.Scan(&d.UserID, &d.Name, &d.Department, &d.MaxPatientsPerDay, &d.CurrentToken,
		&d.AvailableFrom, &d.AvailableTo, &d.Active)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanAppointment(row pgx.Row) (*appointment.Appointment, error) {
	var a appointment.Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.DoctorID, &a.Date, &a.Time,
		&a.TokenNumber, &a.Status, &a.Priority, &a.Symptoms, &a.DoctorNotes,
		&a.CreatedAt, &a.UpdatedAt, &a.StartedAt, &a.CompletedAt)
	if err != nil {
		return nil, err
	}
	a.Date = a.Date.UTC()
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]*appointment.Appointment, error) {
	defer rows.Close()
	var out []*appointment.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) UpsertDoctor(ctx context.Context, d *appointment.Doctor) error {
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO doctor_profiles (user_id, name, department, max_patients_per_day,
			available_from, available_to, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE
		SET name = EXCLUDED.name,
		    department = EXCLUDED.department,
		    max_patients_per_day = EXCLUDED.max_patients_per_day,
		    available_from = EXCLUDED.available_from,
		    available_to = EXCLUDED.available_to,
		    is_active = EXCLUDED.is_active,
		    updated_at = NOW()`,
		d.UserID, d.Name, d.Department, d.MaxPatientsPerDay,
		d.AvailableFrom, d.AvailableTo, d.Active)
	if err != nil {
		return fmt.Errorf("upsert doctor: %w", err)
	}
	return nil
}

func (s *Store) GetDoctor(ctx context.Context, doctorID int64, forUpdate bool) (*appointment.Doctor, error) {
	d, err := scanDoctor(s.conn(ctx).QueryRow(ctx,
		`SELECT `+doctorCols+` FROM doctor_profiles WHERE user_id = $1`+lockClause(forUpdate), doctorID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appointment.ErrDoctorNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get doctor: %w", err)
	}
	return d, nil
}

func (s *Store) SetCurrentToken(ctx context.Context, doctorID int64, token int) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE doctor_profiles SET current_token = $2, updated_at = NOW() WHERE user_id = $1`,
		doctorID, token)
	if err != nil {
		return fmt.Errorf("set current token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return appointment.ErrDoctorNotFound
	}
	return nil
}

func (s *Store) GetAppointment(ctx context.Context, id int64, forUpdate bool) (*appointment.Appointment, error) {
	a, err := scanAppointment(s.conn(ctx).QueryRow(ctx,
		`SELECT `+appointmentCols+` FROM appointments WHERE id = $1`+lockClause(forUpdate), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, appointment.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return a, nil
}

func (s *Store) ListForDay(ctx context.Context, doctorID int64, day time.Time) ([]*appointment.Appointment, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+appointmentCols+` FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2
		ORDER BY token_number`, doctorID, day)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (s *Store) ListByStatus(ctx context.Context, doctorID int64, day time.Time, status appointment.Status, forUpdate bool) ([]*appointment.Appointment, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+appointmentCols+` FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2 AND status = $3
		ORDER BY token_number`+lockClause(forUpdate), doctorID, day, status)
	if err != nil {
		return nil, fmt.Errorf("list appointments by status: %w", err)
	}
	return collectAppointments(rows)
}

func (s *Store) ListForPatient(ctx context.Context, patientID int64) ([]*appointment.Appointment, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+appointmentCols+` FROM appointments
		WHERE patient_id = $1
		ORDER BY appointment_date DESC, id DESC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list patient appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (s *Store) CountBooked(ctx context.Context, doctorID int64, day time.Time) (int, error) {
	var n int
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2 AND status <> 'cancelled'`,
		doctorID, day).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count appointments: %w", err)
	}
	return n, nil
}

func (s *Store) MaxToken(ctx context.Context, doctorID int64, day time.Time) (int, error) {
	var n int
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(MAX(token_number), 0) FROM appointments
		WHERE doctor_id = $1 AND appointment_date = $2`,
		doctorID, day).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max token: %w", err)
	}
	return n, nil
}

func (s *Store) FindActiveForPatient(ctx context.Context, patientID, doctorID int64, day time.Time) (*appointment.Appointment, error) {
	a, err := scanAppointment(s.conn(ctx).QueryRow(ctx, `
		SELECT `+appointmentCols+` FROM appointments
		WHERE patient_id = $1 AND doctor_id = $2 AND appointment_date = $3
		  AND status IN ('booked', 'in_queue', 'consulting')
		LIMIT 1`, patientID, doctorID, day))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active appointment: %w", err)
	}
	return a, nil
}

func (s *Store) Insert(ctx context.Context, a *appointment.Appointment) error {
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (patient_id, doctor_id, appointment_date, appointment_time,
			token_number, status, priority, symptoms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		a.PatientID, a.DoctorID, a.Date, a.Time,
		a.TokenNumber, a.Status, a.Priority, a.Symptoms,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	switch pgCode(err) {
	case "":
	case codeUniqueViolation:
		return appointment.ErrDuplicateToken
	case codeForeignKeyViolation:
		return appointment.ErrDoctorNotFound
	}
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (s *Store) Transition(ctx context.Context, id int64, from, to appointment.Status, at time.Time) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE appointments
		SET status = $3,
		    started_at = CASE WHEN $3::text = 'consulting' THEN $4::timestamptz ELSE started_at END,
		    completed_at = CASE WHEN $3::text = 'completed' THEN $4::timestamptz ELSE completed_at END,
		    updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, from, to, at.UTC())
	if err != nil {
		return fmt.Errorf("transition appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetAppointment(ctx, id, false); err != nil {
			return err
		}
		return appointment.ErrInvalidState
	}
	return nil
}

func (s *Store) SetDoctorNotes(ctx context.Context, id int64, notes string) error {
	tag, err := s.conn(ctx).Exec(ctx,
		`UPDATE appointments SET doctor_notes = $2, updated_at = NOW() WHERE id = $1`, id, notes)
	if err != nil {
		return fmt.Errorf("set doctor notes: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return appointment.ErrNotFound
	}
	return nil
}

func (s *Store) PromoteDue(ctx context.Context, day time.Time, doctorID int64) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE appointments
		SET status = 'in_queue', updated_at = NOW()
		WHERE status = 'booked' AND appointment_date = $1
		  AND ($2::bigint = 0 OR doctor_id = $2::bigint)`, day, doctorID)
	if err != nil {
		return 0, fmt.Errorf("promote appointments: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ExpireBefore(ctx context.Context, day time.Time) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE appointments
		SET status = 'expired', updated_at = NOW()
		WHERE appointment_date < $1
		  AND status IN ('booked', 'in_queue', 'consulting')`, day)
	if err != nil {
		return 0, fmt.Errorf("expire appointments: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ResetIdleDoctors(ctx context.Context, day time.Time) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE doctor_profiles d
		SET current_token = 0, updated_at = NOW()
		WHERE d.current_token <> 0
		  AND NOT EXISTS (
		      SELECT 1 FROM appointments a
		      WHERE a.doctor_id = d.user_id
		        AND a.appointment_date = $1
		        AND a.status = 'consulting')`, day)
	if err != nil {
		return 0, fmt.Errorf("reset idle doctors: %w", err)
	}
	return tag.RowsAffected(), nil
}
