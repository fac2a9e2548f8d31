package postgres

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/sanduku/internal/registry"
)

// PlanRepository implements registry.PlanStore with GORM.
type PlanRepository struct {
	db *gorm.DB
}

// NewPlanRepository creates a PlanRepository.
func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// Upsert creates or replaces a plan by id.
func (r *PlanRepository) Upsert(ctx context.Context, plan *registry.Plan) error {
	model := toPlanModel(plan)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("upserting plan %s: %w", plan.ID, err)
	}
	return nil
}

// Get retrieves a plan by id.
func (r *PlanRepository) Get(ctx context.Context, id string) (*registry.Plan, error) {
	var model PlanModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("plan %s: %w", id, registry.ErrNotFound)
		}
		return nil, fmt.Errorf("getting plan %s: %w", id, err)
	}
	return toPlanDomain(&model), nil
}

// List returns all plans ordered by id.
func (r *PlanRepository) List(ctx context.Context) ([]registry.Plan, error) {
	var models []PlanModel
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing plans: %w", err)
	}
	plans := make([]registry.Plan, len(models))
	for i := range models {
		plans[i] = *toPlanDomain(&models[i])
	}
	return plans, nil
}
