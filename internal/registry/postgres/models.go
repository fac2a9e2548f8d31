package postgres

import (
	"time"

	"github.com/jkaninda/sanduku/internal/registry"
)

// SandboxModel maps to the "containers" table. One row per user.
type SandboxModel struct {
	UserID      int64  `gorm:"primaryKey;autoIncrement:false"`
	ContainerID string `gorm:"not null"`
	Name        string `gorm:"column:container_name;not null;uniqueIndex"`
	SSHPort     int    `gorm:"column:ssh_port"`
	Status      string `gorm:"not null"`
	PlanID      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (SandboxModel) TableName() string { return "containers" }

func toSandboxModel(rec *registry.Record) SandboxModel {
	return SandboxModel{
		UserID:      rec.UserID,
		ContainerID: rec.ContainerID,
		Name:        rec.Name,
		SSHPort:     rec.SSHPort,
		Status:      rec.Status,
		PlanID:      rec.PlanID,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func toSandboxDomain(m *SandboxModel) *registry.Record {
	return &registry.Record{
		UserID:      m.UserID,
		ContainerID: m.ContainerID,
		Name:        m.Name,
		SSHPort:     m.SSHPort,
		Status:      m.Status,
		PlanID:      m.PlanID,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

// SettingsModel maps to the "settings" table. A singleton row with id 1.
type SettingsModel struct {
	ID              int    `gorm:"primaryKey;autoIncrement:false"`
	GPUEnabled      bool   `gorm:"not null;default:false"`
	DefaultRAM      string `gorm:"not null;default:'2g'"`
	DefaultCPU      int    `gorm:"not null;default:2"`
	MaintenanceMode bool   `gorm:"not null;default:false"`
	UpdatedAt       time.Time
}

func (SettingsModel) TableName() string { return "settings" }

// settingsRowID is the fixed primary key of the singleton settings row.
const settingsRowID = 1

func toSettingsDomain(m *SettingsModel) *registry.Settings {
	return &registry.Settings{
		GPUEnabled:      m.GPUEnabled,
		DefaultRAM:      m.DefaultRAM,
		DefaultCPU:      m.DefaultCPU,
		MaintenanceMode: m.MaintenanceMode,
	}
}

// PlanModel maps to the "plans" table.
type PlanModel struct {
	ID        string `gorm:"primaryKey"`
	RAM       string `gorm:"not null"`
	CPUs      int    `gorm:"not null"`
	DiskGB    int
	GPU       bool `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (PlanModel) TableName() string { return "plans" }

func toPlanModel(p *registry.Plan) PlanModel {
	return PlanModel{
		ID:     p.ID,
		RAM:    p.RAM,
		CPUs:   p.CPUs,
		DiskGB: p.DiskGB,
		GPU:    p.GPU,
	}
}

func toPlanDomain(m *PlanModel) *registry.Plan {
	return &registry.Plan{
		ID:     m.ID,
		RAM:    m.RAM,
		CPUs:   m.CPUs,
		DiskGB: m.DiskGB,
		GPU:    m.GPU,
	}
}

// AllowedUserModel maps to the "allowed_users" table.
type AllowedUserModel struct {
	UserID   int64  `gorm:"primaryKey;autoIncrement:false"`
	Username string
	AddedBy  int64
	AddedAt  time.Time `gorm:"autoCreateTime"`
}

func (AllowedUserModel) TableName() string { return "allowed_users" }

func toAllowedUserModel(u *registry.AllowedUser) AllowedUserModel {
	return AllowedUserModel{
		UserID:   u.UserID,
		Username: u.Username,
		AddedBy:  u.AddedBy,
		AddedAt:  u.AddedAt,
	}
}

func toAllowedUserDomain(m *AllowedUserModel) *registry.AllowedUser {
	return &registry.AllowedUser{
		UserID:   m.UserID,
		Username: m.Username,
		AddedBy:  m.AddedBy,
		AddedAt:  m.AddedAt,
	}
}
