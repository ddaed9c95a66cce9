package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/medisync/go-cpf/internal/domain/appointment"
	"github.com/medisync/go-cpf/internal/domain/pharmacy"
)

const prescriptionCols = `id, appointment_id, patient_id, doctor_id, items, diagnosis,
	pharmacy_status, pharmacy_notes, pickup_token, created_at, updated_at, dispensed_at`

const medicineCols = `id, name, generic_name, category, strength, form, manufacturer,
	batch_number, price_per_unit, stock_quantity, reorder_level, expiry_date,
	is_available, created_at, updated_at`

func scanPrescription(row pgx.Row) (*pharmacy.Prescription, error) {
	var p pharmacy.Prescription
	err := row.Scan(&p.ID, &p.AppointmentID, &p.PatientID, &p.DoctorID, &p.Items, &p.Diagnosis,
		&p.Status, &p.PharmacyNotes, &p.PickupToken, &p.CreatedAt, &p.UpdatedAt, &p.DispensedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanMedicine(row pgx.Row) (*pharmacy.Medicine, error) {
	var m pharmacy.Medicine
	err := row.Scan(&m.ID, &m.Name, &m.GenericName, &m.Category, &m.Strength, &m.Form, &m.Manufacturer,
		&m.BatchNumber, &m.PricePerUnit, &m.StockQuantity, &m.ReorderLevel, &m.ExpiryDate,
		&m.IsAvailable, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func collectMedicines(rows pgx.Rows) ([]*pharmacy.Medicine, error) {
	defer rows.Close()
	var out []*pharmacy.Medicine
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, fmt.Errorf("scan medicine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) InsertPrescription(ctx context.Context, p *pharmacy.Prescription) error {
	if p.Status == "" {
		p.Status = pharmacy.StatusPending
	}
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO prescriptions (appointment_id, patient_id, doctor_id, items, diagnosis,
			pharmacy_status, pickup_token)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`,
		p.AppointmentID, p.PatientID, p.DoctorID, p.Items, p.Diagnosis, p.Status, p.PickupToken,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if pgCode(err) == codeForeignKeyViolation {
		return appointment.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("insert prescription: %w", err)
	}
	return nil
}

func (s *Store) GetPrescription(ctx context.Context, id int64, forUpdate bool) (*pharmacy.Prescription, error) {
	p, err := scanPrescription(s.conn(ctx).QueryRow(ctx,
		`SELECT `+prescriptionCols+` FROM prescriptions WHERE id = $1`+lockClause(forUpdate), id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pharmacy.ErrPrescriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	return p, nil
}

func (s *Store) ListPrescriptions(ctx context.Context, f pharmacy.PrescriptionFilter) ([]*pharmacy.Prescription, error) {
	query := `SELECT ` + prescriptionCols + ` FROM prescriptions WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Status != "" {
		query += fmt.Sprintf(` AND pharmacy_status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.PatientID != 0 {
		query += fmt.Sprintf(` AND patient_id = $%d`, idx)
		args = append(args, f.PatientID)
		idx++
	}
	if f.DoctorID != 0 {
		query += fmt.Sprintf(` AND doctor_id = $%d`, idx)
		args = append(args, f.DoctorID)
		idx++
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, idx)
		args = append(args, f.Limit)
		idx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, idx)
		args = append(args, f.Offset)
	}

	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	var out []*pharmacy.Prescription
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) UpdatePrescription(ctx context.Context, id int64, status pharmacy.Status, notes string, dispensedAt *time.Time) error {
	tag, err := s.conn(ctx).Exec(ctx, `
		UPDATE prescriptions
		SET pharmacy_status = $2,
		    pharmacy_notes = $3,
		    dispensed_at = COALESCE($4, dispensed_at),
		    updated_at = NOW()
		WHERE id = $1`, id, status, notes, dispensedAt)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pharmacy.ErrPrescriptionNotFound
	}
	return nil
}

func (s *Store) CreateMedicine(ctx context.Context, m *pharmacy.Medicine) error {
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO medicines (name, generic_name, category, strength, form, manufacturer,
			batch_number, price_per_unit, stock_quantity, reorder_level, expiry_date, is_available)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at`,
		strings.TrimSpace(m.Name), m.GenericName, m.Category, m.Strength, m.Form, m.Manufacturer,
		m.BatchNumber, m.PricePerUnit, m.StockQuantity, m.ReorderLevel, m.ExpiryDate, m.IsAvailable,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	switch pgCode(err) {
	case "":
	case codeUniqueViolation:
		return pharmacy.ErrDuplicateMedicine
	case codeCheckViolation:
		return pharmacy.ErrInvalidMedicine
	}
	if err != nil {
		return fmt.Errorf("create medicine: %w", err)
	}
	return nil
}

func (s *Store) GetMedicine(ctx context.Context, id int64) (*pharmacy.Medicine, error) {
	m, err := scanMedicine(s.conn(ctx).QueryRow(ctx,
		`SELECT `+medicineCols+` FROM medicines WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pharmacy.ErrMedicineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get medicine: %w", err)
	}
	return m, nil
}

func (s *Store) FindMedicineByName(ctx context.Context, name string, forUpdate bool) (*pharmacy.Medicine, error) {
	m, err := scanMedicine(s.conn(ctx).QueryRow(ctx,
		`SELECT `+medicineCols+` FROM medicines WHERE lower(name) = lower($1)`+lockClause(forUpdate),
		strings.TrimSpace(name)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pharmacy.ErrMedicineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find medicine: %w", err)
	}
	return m, nil
}

func (s *Store) DeductStockIfSufficient(ctx context.Context, medicineID int64, qty int) (int, bool, error) {
	if qty <= 0 {
		return 0, false, fmt.Errorf("%w: deduct quantity %d must be positive", pharmacy.ErrInvalidLineItem, qty)
	}
	var remaining int
	err := s.conn(ctx).QueryRow(ctx, `
		UPDATE medicines
		SET stock_quantity = stock_quantity - $2, updated_at = NOW()
		WHERE id = $1 AND is_available AND stock_quantity >= $2
		RETURNING stock_quantity`, medicineID, qty).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("deduct stock: %w", err)
	}
	return remaining, true, nil
}

func (s *Store) RestockMedicine(ctx context.Context, medicineID int64, qty int) (*pharmacy.Medicine, error) {
	m, err := scanMedicine(s.conn(ctx).QueryRow(ctx, `
		UPDATE medicines
		SET stock_quantity = stock_quantity + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+medicineCols, medicineID, qty))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, pharmacy.ErrMedicineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("restock medicine: %w", err)
	}
	return m, nil
}

func (s *Store) ListMedicines(ctx context.Context, onlyAvailable bool) ([]*pharmacy.Medicine, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+medicineCols+` FROM medicines
		WHERE NOT $1 OR is_available
		ORDER BY lower(name)`, onlyAvailable)
	if err != nil {
		return nil, fmt.Errorf("list medicines: %w", err)
	}
	return collectMedicines(rows)
}

func (s *Store) ListLowStock(ctx context.Context) ([]*pharmacy.Medicine, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT `+medicineCols+` FROM medicines
		WHERE is_available AND stock_quantity <= reorder_level
		ORDER BY stock_quantity, lower(name)`)
	if err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}
	return collectMedicines(rows)
}
