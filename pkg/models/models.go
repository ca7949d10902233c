// Package models defines the persistent records of the build pipeline.
package models

import (
	"time"

	"gorm.io/gorm"
)

// Version statuses. Exactly one terminal status (deployed or failed) is
// written per version.
const (
	VersionStatusBuilding = "building"
	VersionStatusDeployed = "deployed"
	VersionStatusFailed   = "failed"
)

// Retention tiers for persisted artifacts.
const (
	RetentionShortLived = "short_lived"
	RetentionLongTerm   = "long_term"
)

// BuildJob is the queue payload for one build request. Immutable once
// enqueued; VersionID is minted by the orchestrator when absent.
type BuildJob struct {
	UserID         uint   `json:"user_id"`
	ProjectID      uint   `json:"project_id"`
	Prompt         string `json:"prompt"`
	VersionID      string `json:"version_id,omitempty"`
	BaseVersionID  string `json:"base_version_id,omitempty"`
	Framework      string `json:"framework"`
	IsInitialBuild bool   `json:"is_initial_build"`
}

// BuildJobResult is reported back to the queue consumer when a job finishes.
type BuildJobResult struct {
	Success    bool              `json:"success"`
	VersionID  string            `json:"version_id"`
	PreviewURL string            `json:"preview_url,omitempty"`
	BuildTime  int64             `json:"build_time_ms"`
	Error      string            `json:"error,omitempty"`
	Metrics    map[string]int64  `json:"metrics,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Project is the slice of the projects table the pipeline reads: template
// binding, deploy target, and the account attributes that pick a retention
// tier. The full CRUD surface lives outside this service.
type Project struct {
	ID           uint           `json:"id" gorm:"primaryKey"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `json:"-" gorm:"index"`
	UserID       uint           `json:"user_id" gorm:"not null;index"`
	Name         string         `json:"name" gorm:"not null"`
	TemplateID   *uint          `json:"template_id,omitempty"`
	DeployTarget string         `json:"deploy_target" gorm:"type:varchar(20);default:'edge'"` // edge, paas
	PlanTier     string         `json:"plan_tier" gorm:"type:varchar(20);default:'trial'"`    // trial, paid
}

// ProjectTemplate declares the scaffold a project starts from, including an
// optional build budget override and the pages the scaffold is expected to
// produce.
type ProjectTemplate struct {
	ID               uint      `json:"id" gorm:"primaryKey"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
	Name             string    `json:"name" gorm:"not null;uniqueIndex"`
	Framework        string    `json:"framework" gorm:"not null"`
	MaxBuildTimeMs   int64     `json:"max_build_time_ms"` // 0 = system default
	MaxSteps         int       `json:"max_steps"`         // 0 = system default
	ExpectedPagesCSV string    `json:"expected_pages" gorm:"column:expected_pages"`
}

// ProjectVersion is the durable record of one build attempt. Created in
// building state when the job starts; superseded versions are never deleted.
type ProjectVersion struct {
	ID              string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	ProjectID       uint           `json:"project_id" gorm:"not null;index"`
	UserID          uint           `json:"user_id" gorm:"not null;index"`
	ParentVersionID *string        `json:"parent_version_id,omitempty" gorm:"type:varchar(36)"`
	Status          string         `json:"status" gorm:"not null;type:varchar(20);default:'building'"`
	PreviewURL      string         `json:"preview_url,omitempty"`
	ArtifactURL     string         `json:"artifact_url,omitempty"`
	ArtifactKey     string         `json:"artifact_key,omitempty"`
	Checksum        string         `json:"checksum,omitempty" gorm:"type:varchar(64)"`
	SizeBytes       int64          `json:"size_bytes,omitempty"`
	InstallMs       int64          `json:"install_ms,omitempty"`
	BuildMs         int64          `json:"build_ms,omitempty"`
	DeployMs        int64          `json:"deploy_ms,omitempty"`
	StepsUsed       int            `json:"steps_used,omitempty"`
	RawOutput       string         `json:"-" gorm:"type:text"`
	Metadata        map[string]any `json:"metadata,omitempty" gorm:"serializer:json"`
	ErrorMessage    string         `json:"error_message,omitempty" gorm:"type:text"`
}

func (ProjectVersion) TableName() string { return "project_versions" }

// ArtifactRecord describes one packaged, checksummed build artifact. The
// checksum is computed before upload and never recomputed after.
type ArtifactRecord struct {
	Key           string `json:"key"`
	Checksum      string `json:"checksum"`
	SizeBytes     int64  `json:"size_bytes"`
	RetentionTier string `json:"retention_tier"`
	URL           string `json:"url,omitempty"`
	Uploaded      bool   `json:"uploaded"`
}

// Deployment states for the asynchronous PaaS backend. State only moves
// forward through the lattice; Ready, Error and Canceled are terminal.
const (
	DeployStateQueued       = "queued"
	DeployStateInitializing = "initializing"
	DeployStateBuilding     = "building"
	DeployStateReady        = "ready"
	DeployStateError        = "error"
	DeployStateCanceled     = "canceled"
)

// DeploymentRecord tracks one deployment attempt and its reconciled state.
type DeploymentRecord struct {
	ID            string         `json:"id" gorm:"primaryKey;type:varchar(36)"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	VersionID     string         `json:"version_id" gorm:"not null;index;type:varchar(36)"`
	ProjectID     uint           `json:"project_id" gorm:"not null;index"`
	Backend       string         `json:"backend" gorm:"not null;type:varchar(20)"` // edge, paas
	ProviderID    string         `json:"provider_id,omitempty" gorm:"index"`
	State         string         `json:"state" gorm:"not null;type:varchar(20);default:'queued'"`
	URL           string         `json:"url,omitempty"`
	CorrelationID string         `json:"correlation_id" gorm:"type:varchar(36)"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty" gorm:"serializer:json"`
}

func (DeploymentRecord) TableName() string { return "deployments" }

// IsTerminalDeployState reports whether a deployment state accepts no further
// transitions.
func IsTerminalDeployState(state string) bool {
	switch state {
	case DeployStateReady, DeployStateError, DeployStateCanceled:
		return true
	}
	return false
}

// ErrorOccurrence is the persisted trail of a classified failure: what
// happened, how it was categorized, and where it was routed.
type ErrorOccurrence struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	CreatedAt  time.Time `json:"created_at"`
	ProjectID  uint      `json:"project_id" gorm:"index"`
	VersionID  string    `json:"version_id" gorm:"index;type:varchar(36)"`
	Stage      string    `json:"stage" gorm:"type:varchar(30)"`
	Message    string    `json:"message" gorm:"type:text"`
	Category   string    `json:"category" gorm:"type:varchar(30)"`
	Confidence float64   `json:"confidence"`
	Strategy   string    `json:"strategy,omitempty" gorm:"type:varchar(40)"`
	Routed     string    `json:"routed" gorm:"type:varchar(30)"` // quick_fix, recovery_queue, security, human, dropped
}

func (ErrorOccurrence) TableName() string { return "error_occurrences" }
