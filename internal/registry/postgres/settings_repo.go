package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gorm.io/gorm"

	"github.com/jkaninda/sanduku/internal/registry"
)

// SettingsRepository implements registry.SettingsStore with GORM.
// The settings live in a singleton row seeded with defaults on first read.
type SettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository creates a SettingsRepository.
func NewSettingsRepository(db *gorm.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the current settings, seeding defaults on first use.
func (r *SettingsRepository) Get(ctx context.Context) (*registry.Settings, error) {
	var model SettingsModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", settingsRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		defaults := registry.DefaultSettings()
		model = SettingsModel{
			ID:              settingsRowID,
			GPUEnabled:      defaults.GPUEnabled,
			DefaultRAM:      defaults.DefaultRAM,
			DefaultCPU:      defaults.DefaultCPU,
			MaintenanceMode: defaults.MaintenanceMode,
		}
		if err := r.db.WithContext(ctx).Create(&model).Error; err != nil && !isDuplicateKey(err) {
			return nil, fmt.Errorf("seeding settings: %w", err)
		}
		// A concurrent seeder may have won; read back.
		if err := r.db.WithContext(ctx).First(&model, "id = ?", settingsRowID).Error; err != nil {
			return nil, fmt.Errorf("reading settings after seed: %w", err)
		}
		return toSettingsDomain(&model), nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting settings: %w", err)
	}
	return toSettingsDomain(&model), nil
}

// Update sets one setting by key, validating both key and value.
func (r *SettingsRepository) Update(ctx context.Context, key, value string) error {
	column, parsed, err := parseSetting(key, value)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).
		Model(&SettingsModel{}).
		Where("id = ?", settingsRowID).
		Updates(map[string]any{column: parsed, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return fmt.Errorf("updating setting %s: %w", key, result.Error)
	}
	if result.RowsAffected == 0 {
		// The row isn't seeded yet; Get seeds it, then retry once.
		if _, err := r.Get(ctx); err != nil {
			return err
		}
		result = r.db.WithContext(ctx).
			Model(&SettingsModel{}).
			Where("id = ?", settingsRowID).
			Updates(map[string]any{column: parsed, "updated_at": time.Now().UTC()})
		if result.Error != nil {
			return fmt.Errorf("updating setting %s: %w", key, result.Error)
		}
	}
	return nil
}

// parseSetting validates a key against the allow-list and parses its value
// into the column type.
func parseSetting(key, value string) (column string, parsed any, err error) {
	switch key {
	case registry.SettingGPUEnabled:
		b, err := parseBoolValue(value)
		if err != nil {
			return "", nil, err
		}
		return "gpu_enabled", b, nil
	case registry.SettingMaintenanceMode:
		b, err := parseBoolValue(value)
		if err != nil {
			return "", nil, err
		}
		return "maintenance_mode", b, nil
	case registry.SettingDefaultRAM:
		if _, err := units.RAMInBytes(value); err != nil {
			return "", nil, fmt.Errorf("%w: %s=%q is not a size", registry.ErrInvalidSetting, key, value)
		}
		return "default_ram", value, nil
	case registry.SettingDefaultCPU:
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return "", nil, fmt.Errorf("%w: %s=%q is not a positive integer", registry.ErrInvalidSetting, key, value)
		}
		return "default_cpu", n, nil
	default:
		return "", nil, fmt.Errorf("%w: unknown key %q", registry.ErrInvalidSetting, key)
	}
}

func parseBoolValue(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "on":
		return true, nil
	case "off":
		return false, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean", registry.ErrInvalidSetting, value)
	}
	return b, nil
}
