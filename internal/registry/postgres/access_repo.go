package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/sanduku/internal/registry"
)

// AccessRepository implements registry.AccessStore with GORM.
type AccessRepository struct {
	db *gorm.DB
}

// NewAccessRepository creates an AccessRepository.
func NewAccessRepository(db *gorm.DB) *AccessRepository {
	return &AccessRepository{db: db}
}

// Allow grants a user access, updating the entry if it exists.
func (r *AccessRepository) Allow(ctx context.Context, user *registry.AllowedUser) error {
	model := toAllowedUserModel(user)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"username", "added_by"}),
		}).
		Create(&model).Error
	if err != nil {
		return fmt.Errorf("allowing user %d: %w", user.UserID, err)
	}
	return nil
}

// Remove revokes a user's access.
func (r *AccessRepository) Remove(ctx context.Context, userID int64) error {
	result := r.db.WithContext(ctx).Delete(&AllowedUserModel{}, "user_id = ?", userID)
	if result.Error != nil {
		return fmt.Errorf("removing user %d: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("allowed user %d: %w", userID, registry.ErrNotFound)
	}
	return nil
}

// IsAllowed reports whether the user is on the allow-list.
func (r *AccessRepository) IsAllowed(ctx context.Context, userID int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&AllowedUserModel{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("checking allow-list for user %d: %w", userID, err)
	}
	return count > 0, nil
}

// List returns all allowed users ordered by when they were added.
func (r *AccessRepository) List(ctx context.Context) ([]registry.AllowedUser, error) {
	var models []AllowedUserModel
	if err := r.db.WithContext(ctx).Order("added_at ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing allowed users: %w", err)
	}
	users := make([]registry.AllowedUser, len(models))
	for i := range models {
		users[i] = *toAllowedUserDomain(&models[i])
	}
	return users, nil
}
