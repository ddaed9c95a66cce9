package dispensing

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/medisync/go-cpf/internal/domain/pharmacy"
)

// AddMedicine registers a new inventory item. Names are unique regardless of case.
func (e *Engine) AddMedicine(ctx context.Context, m *pharmacy.Medicine) error {
	m.Name = strings.TrimSpace(m.Name)
	if m.ReorderLevel == 0 {
		m.ReorderLevel = pharmacy.DefaultReorderLevel
	}
	if err := m.Validate(); err != nil {
		return err
	}
	if err := e.repo.CreateMedicine(ctx, m); err != nil {
		return err
	}
	e.logger.Info("medicine added",
		zap.Int64("medicine_id", m.ID),
		zap.String("medicine", m.Name),
		zap.Int("stock", m.StockQuantity))
	return nil
}

// Restock adds qty units to a medicine.
func (e *Engine) Restock(ctx context.Context, medicineID int64, qty int) (*pharmacy.Medicine, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("%w: restock quantity must be positive", pharmacy.ErrInvalidMedicine)
	}
	m, err := e.repo.RestockMedicine(ctx, medicineID, qty)
	if err != nil {
		return nil, err
	}
	e.logger.Info("medicine restocked",
		zap.Int64("medicine_id", m.ID),
		zap.Int("added", qty),
		zap.Int("stock", m.StockQuantity))
	return m, nil
}

// Inventory lists medicines by name.
func (e *Engine) Inventory(ctx context.Context, onlyAvailable bool) ([]*pharmacy.Medicine, error) {
	return e.repo.ListMedicines(ctx, onlyAvailable)
}

// LowStock lists available medicines at or below their reorder level.
func (e *Engine) LowStock(ctx context.Context) ([]*pharmacy.Medicine, error) {
	return e.repo.ListLowStock(ctx)
}
