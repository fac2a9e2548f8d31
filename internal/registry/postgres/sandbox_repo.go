package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/registry"
)

// SandboxRepository implements registry.SandboxStore with GORM.
// Shared by the postgres and sqlite backends.
type SandboxRepository struct {
	db *gorm.DB
}

// NewSandboxRepository creates a SandboxRepository.
func NewSandboxRepository(db *gorm.DB) *SandboxRepository {
	return &SandboxRepository{db: db}
}

// Register inserts a new sandbox record.
func (r *SandboxRepository) Register(ctx context.Context, rec *registry.Record) error {
	model := toSandboxModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("registering sandbox for user %d: %w", rec.UserID, registry.ErrAlreadyExists)
		}
		return fmt.Errorf("registering sandbox for user %d: %w", rec.UserID, err)
	}
	rec.CreatedAt = model.CreatedAt
	rec.UpdatedAt = model.UpdatedAt
	return nil
}

// Get retrieves the sandbox record for a user.
func (r *SandboxRepository) Get(ctx context.Context, userID int64) (*registry.Record, error) {
	var model SandboxModel
	if err := r.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("sandbox for user %d: %w", userID, registry.ErrNotFound)
		}
		return nil, fmt.Errorf("getting sandbox for user %d: %w", userID, err)
	}
	return toSandboxDomain(&model), nil
}

// Update rewrites a user's record.
func (r *SandboxRepository) Update(ctx context.Context, rec *registry.Record) error {
	updates := map[string]any{
		"container_id":   rec.ContainerID,
		"container_name": rec.Name,
		"ssh_port":       rec.SSHPort,
		"status":         rec.Status,
		"plan_id":        rec.PlanID,
		"updated_at":     time.Now().UTC(),
	}
	result := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("user_id = ?", rec.UserID).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("updating sandbox for user %d: %w", rec.UserID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("sandbox for user %d: %w", rec.UserID, registry.ErrNotFound)
	}
	return nil
}

// UpdateStatus sets only the status column.
func (r *SandboxRepository) UpdateStatus(ctx context.Context, userID int64, status string) error {
	result := r.db.WithContext(ctx).
		Model(&SandboxModel{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("updating sandbox status for user %d: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("sandbox for user %d: %w", userID, registry.ErrNotFound)
	}
	return nil
}

// Delete removes a user's record.
func (r *SandboxRepository) Delete(ctx context.Context, userID int64) error {
	result := r.db.WithContext(ctx).Delete(&SandboxModel{}, "user_id = ?", userID)
	if result.Error != nil {
		return fmt.Errorf("deleting sandbox for user %d: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("sandbox for user %d: %w", userID, registry.ErrNotFound)
	}
	return nil
}

// List returns all sandbox records ordered by creation time.
func (r *SandboxRepository) List(ctx context.Context) ([]registry.Record, error) {
	var models []SandboxModel
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}
	records := make([]registry.Record, len(models))
	for i := range models {
		records[i] = *toSandboxDomain(&models[i])
	}
	return records, nil
}

// isDuplicateKey detects primary-key/unique violations across both backends:
// GORM's translated error, the raw PostgreSQL code, and SQLite's message.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
