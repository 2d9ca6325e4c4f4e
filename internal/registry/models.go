// Package registry is the persistent state store adapter (spec §3, §6):
// deployments, changes, services, containers, and leases.
package registry

import (
	"time"

	"gorm.io/datatypes"
)

// ChangeAction is the two-valued action set the source schema carries;
// "added" is folded into "modified" per spec §9's Open Question.
type ChangeAction string

const (
	ChangeModified ChangeAction = "modified"
	ChangeDeleted  ChangeAction = "deleted"
)

// Deployment is one row per reconciled source commit (spec §3).
type Deployment struct {
	Commit    string    `gorm:"primaryKey;column:commit"`
	CreatedAt time.Time
	Changes   []Change `gorm:"foreignKey:Commit;references:Commit"`
}

func (Deployment) TableName() string { return "deployments" }

// Change is one file-level delta belonging to a Deployment.
type Change struct {
	ID     uint         `gorm:"primaryKey"`
	Commit string       `gorm:"index;not null"`
	Path   string       `gorm:"not null"`
	Action ChangeAction `gorm:"type:varchar(16);not null"`
}

func (Change) TableName() string { return "changes" }

// Service is the declarative unit (spec §3). Spec is the serialized
// ServiceSpec, stored as JSONB.
type Service struct {
	ID        string `gorm:"primaryKey;column:id"`
	Spec      datatypes.JSON
	Domain    *string
	Path      string `gorm:"default:'/'"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Service) TableName() string { return "services" }

// ContainerStatus is a Container's lifecycle state (spec §3).
type ContainerStatus string

const (
	StatusConfiguring ContainerStatus = "configuring"
	StatusPulling     ContainerStatus = "pulling"
	StatusCreating    ContainerStatus = "creating"
	StatusStarting    ContainerStatus = "starting"
	StatusHealthy     ContainerStatus = "healthy"
	StatusUnhealthy   ContainerStatus = "unhealthy"
	StatusStopped     ContainerStatus = "stopped"
)

// Container is one row per Service currently backed by a running
// container (spec §3).
type Container struct {
	ServiceID string          `gorm:"primaryKey;column:service_id"`
	RuntimeID string          `gorm:"column:runtime_id"`
	Image     string          `gorm:"column:image"`
	Status    ContainerStatus `gorm:"type:varchar(16)"`
	UpdatedAt time.Time
}

func (Container) TableName() string { return "containers" }

// Lease is one row per outstanding dynamic credential (spec §3).
type Lease struct {
	ID         string    `gorm:"primaryKey;column:id"`
	ServiceID  string    `gorm:"column:service_id;index;not null"`
	Expiration time.Time `gorm:"column:expiration;not null"`
}

func (Lease) TableName() string { return "leases" }
