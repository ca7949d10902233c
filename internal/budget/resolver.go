// Package budget resolves the per-job build budget: wall-clock time and
// tool-invocation steps for the generation phase.
package budget

import (
	"context"
	"errors"
	"time"

	"buildforge/internal/logging"
	"buildforge/pkg/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Budget is resolved once per job and held constant for its lifetime.
type Budget struct {
	MaxBuildTime time.Duration
	MaxSteps     int
}

// Resolver looks up a project's template budget, falling back to system
// defaults. Resolution is never a failure path for the pipeline.
type Resolver struct {
	db       *gorm.DB
	defaults Budget
}

func NewResolver(db *gorm.DB, defaultTimeout time.Duration, defaultSteps int) *Resolver {
	return &Resolver{
		db: db,
		defaults: Budget{
			MaxBuildTime: defaultTimeout,
			MaxSteps:     defaultSteps,
		},
	}
}

// Resolve returns the budget for a project. A missing project, missing
// template, undeclared budget, or query error all fall back to defaults with
// a warning; the build must not fail because budget lookup did.
func (r *Resolver) Resolve(ctx context.Context, projectID uint) Budget {
	var project models.Project
	err := r.db.WithContext(ctx).
		Select("id", "template_id").
		First(&project, projectID).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			logging.L().Warn("budget lookup failed, using defaults",
				zap.Uint("project_id", projectID), zap.Error(err))
		}
		return r.defaults
	}
	if project.TemplateID == nil {
		return r.defaults
	}

	var tmpl models.ProjectTemplate
	err = r.db.WithContext(ctx).First(&tmpl, *project.TemplateID).Error
	if err != nil {
		logging.L().Warn("template lookup failed, using defaults",
			zap.Uint("project_id", projectID),
			zap.Uint("template_id", *project.TemplateID),
			zap.Error(err))
		return r.defaults
	}

	resolved := r.defaults
	if tmpl.MaxBuildTimeMs > 0 {
		resolved.MaxBuildTime = time.Duration(tmpl.MaxBuildTimeMs) * time.Millisecond
	}
	if tmpl.MaxSteps > 0 {
		resolved.MaxSteps = tmpl.MaxSteps
	}
	return resolved
}
