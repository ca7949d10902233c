// Package orchestrator drives one build job through its phases: generation,
// install, audit, build, deploy, artifact persistence, and history commit.
// Exactly one terminal status is written per version.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"buildforge/internal/artifacts"
	"buildforge/internal/budget"
	"buildforge/internal/deploy"
	"buildforge/internal/engine"
	"buildforge/internal/events"
	"buildforge/internal/logging"
	"buildforge/internal/metrics"
	"buildforge/internal/recovery"
	"buildforge/pkg/models"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TaskTypeBuild is the queue task type for build execution.
const TaskTypeBuild = "build:execute"

// Build phases, in execution order.
const (
	phaseGenerating = "generating"
	phaseInstalling = "installing"
	phaseAuditing   = "auditing"
	phaseBuilding   = "building"
	phaseDeploying  = "deploying"
	phasePersisting = "persisting"
	phaseCommitting = "committing"
)

// Generator produces the project's file tree from a prompt.
type Generator interface {
	Generate(ctx context.Context, req engine.Request) (*engine.Output, error)
}

// Deployer publishes a built version and blocks until it settles.
type Deployer interface {
	Deploy(ctx context.Context, project *models.Project, versionID, outputDir string) (*deploy.Outcome, error)
}

// ArtifactStore persists the packaged build output.
type ArtifactStore interface {
	Persist(ctx context.Context, outputDir string, userID, projectID uint, versionID, planTier string) (*models.ArtifactRecord, error)
}

// Historian records versions in the local history repository.
type Historian interface {
	Commit(ctx context.Context, projectID uint, versionID, message, outputDir string, includeFullOutput bool) (string, error)
	TrimWindow(ctx context.Context, projectID uint, currentVersionID string, allVersionIDs []string) error
}

// Reporter receives failures for classification and routing.
type Reporter interface {
	Report(ctx context.Context, ec recovery.ErrorContext, correlationID string) (recovery.Classification, string)
}

// Orchestrator executes build jobs.
type Orchestrator struct {
	db           *gorm.DB
	budgets      *budget.Resolver
	generator    Generator
	deployer     Deployer
	artifacts    ArtifactStore
	history      Historian
	reporter     Reporter
	publisher    *events.Publisher
	workspaceDir string
	shell        shellRunner
}

func New(db *gorm.DB, budgets *budget.Resolver, generator Generator, deployer Deployer, store ArtifactStore, history Historian, reporter Reporter, publisher *events.Publisher, workspaceDir string) *Orchestrator {
	return &Orchestrator{
		db:           db,
		budgets:      budgets,
		generator:    generator,
		deployer:     deployer,
		artifacts:    store,
		history:      history,
		reporter:     reporter,
		publisher:    publisher,
		workspaceDir: workspaceDir,
		shell:        npmRunner{},
	}
}

// HandleBuildTask is the asynq handler. A build that fails and is recorded
// as failed is a handled outcome; only payload corruption bubbles up.
func (o *Orchestrator) HandleBuildTask(ctx context.Context, t *asynq.Task) error {
	var job models.BuildJob
	if err := json.Unmarshal(t.Payload(), &job); err != nil {
		return fmt.Errorf("malformed build job payload: %v: %w", err, asynq.SkipRetry)
	}

	result := o.Execute(ctx, &job)

	if payload, err := json.Marshal(result); err == nil {
		if _, err := t.ResultWriter().Write(payload); err != nil {
			logging.L().Warn("failed to write task result", zap.Error(err))
		}
	}
	return nil
}

// Execute runs one build job end to end and returns its result. The version
// row is created in building state up front; exactly one terminal write
// (deployed or failed) follows, guarded against double writes.
func (o *Orchestrator) Execute(ctx context.Context, job *models.BuildJob) *models.BuildJobResult {
	start := time.Now()
	m := metrics.Get()
	m.BuildsInFlight.Inc()
	defer m.BuildsInFlight.Dec()

	versionID := job.VersionID
	if versionID == "" {
		versionID = uuid.NewString()
	}
	log := logging.WithBuild(job.ProjectID, versionID)

	var project models.Project
	if err := o.db.WithContext(ctx).First(&project, job.ProjectID).Error; err != nil {
		log.Error("project lookup failed", zap.Error(err))
		m.BuildsTotal.WithLabelValues(job.Framework, "error").Inc()
		return &models.BuildJobResult{
			Success:   false,
			VersionID: versionID,
			Error:     "PROJECT_NOT_FOUND: " + err.Error(),
			BuildTime: time.Since(start).Milliseconds(),
		}
	}

	version := models.ProjectVersion{
		ID:        versionID,
		ProjectID: job.ProjectID,
		UserID:    job.UserID,
		Status:    models.VersionStatusBuilding,
	}
	if job.BaseVersionID != "" {
		version.ParentVersionID = &job.BaseVersionID
	}
	if err := o.db.WithContext(ctx).Create(&version).Error; err != nil {
		log.Error("failed to create version record", zap.Error(err))
		m.BuildsTotal.WithLabelValues(job.Framework, "error").Inc()
		return &models.BuildJobResult{
			Success:   false,
			VersionID: versionID,
			Error:     "VERSION_CREATE_FAILED: " + err.Error(),
			BuildTime: time.Since(start).Milliseconds(),
		}
	}

	o.publisher.Publish(ctx, events.Event{
		Type:          events.TypeBuildStarted,
		ProjectID:     job.ProjectID,
		UserID:        job.UserID,
		VersionID:     versionID,
		CorrelationID: versionID,
	})
	log.Info("build started",
		zap.Bool("initial", job.IsInitialBuild),
		zap.String("framework", job.Framework))

	st := &buildState{job: job, project: &project, versionID: versionID, log: log}
	err := o.runPipeline(ctx, st)

	if err != nil {
		cl, routed := o.reportFailure(ctx, st, err)
		if routed == recovery.RoutedQuickFix && o.applyQuickFix(st, cl, err) {
			log.Info("quick fix applied, retrying build phases", zap.String("stage", st.stage))
			if err = o.rerunFromInstall(ctx, st); err != nil {
				o.reportFailure(ctx, st, err)
			}
		}
	}

	elapsed := time.Since(start)
	if err != nil {
		o.finalizeFailure(ctx, st, err, elapsed)
		m.BuildsTotal.WithLabelValues(job.Framework, "failed").Inc()
		return &models.BuildJobResult{
			Success:   false,
			VersionID: versionID,
			Error:     err.Error(),
			BuildTime: elapsed.Milliseconds(),
			Metrics:   st.metricsMap(),
		}
	}

	o.finalizeSuccess(ctx, st, elapsed)
	m.BuildsTotal.WithLabelValues(job.Framework, "deployed").Inc()
	return &models.BuildJobResult{
		Success:    true,
		VersionID:  versionID,
		PreviewURL: st.previewURL,
		BuildTime:  elapsed.Milliseconds(),
		Metrics:    st.metricsMap(),
		Metadata:   map[string]string{"checksum": st.checksum},
	}
}

// buildState accumulates per-phase outputs across the pipeline.
type buildState struct {
	job       *models.BuildJob
	project   *models.Project
	versionID string
	log       *zap.Logger

	workDir   string
	stage     string
	genOut    *engine.Output
	installMs int64
	buildMs   int64
	deployMs  int64

	previewURL string
	checksum   string
	artifact   *models.ArtifactRecord
	metadata   map[string]any

	quickFixUsed bool
}

func (st *buildState) metricsMap() map[string]int64 {
	m := map[string]int64{
		"install_ms": st.installMs,
		"build_ms":   st.buildMs,
		"deploy_ms":  st.deployMs,
	}
	if st.genOut != nil {
		m["steps_used"] = int64(st.genOut.StepsUsed)
		m["generation_ms"] = st.genOut.Duration.Milliseconds()
	}
	return m
}

func (o *Orchestrator) runPipeline(ctx context.Context, st *buildState) error {
	if err := o.prepareWorkspace(st); err != nil {
		st.stage = phaseGenerating
		return err
	}

	if err := o.generate(ctx, st); err != nil {
		return err
	}
	return o.buildAndShip(ctx, st)
}

// rerunFromInstall retries the shell phases after a quick fix. Generation is
// not repeated; the fix mutated the generated tree in place.
func (o *Orchestrator) rerunFromInstall(ctx context.Context, st *buildState) error {
	return o.buildAndShip(ctx, st)
}

func (o *Orchestrator) buildAndShip(ctx context.Context, st *buildState) error {
	if err := o.install(ctx, st); err != nil {
		return err
	}
	if err := o.audit(ctx, st); err != nil {
		return err
	}
	if err := o.build(ctx, st); err != nil {
		return err
	}
	if err := o.deploy(ctx, st); err != nil {
		return err
	}
	if err := o.persistArtifact(ctx, st); err != nil {
		return err
	}
	return o.commitHistory(ctx, st)
}

func (o *Orchestrator) prepareWorkspace(st *buildState) error {
	st.workDir = filepath.Join(o.workspaceDir, strconv.FormatUint(uint64(st.job.ProjectID), 10))
	if st.job.IsInitialBuild {
		if err := os.RemoveAll(st.workDir); err != nil {
			return fmt.Errorf("WORKSPACE_RESET_FAILED: %w", err)
		}
	}
	if err := os.MkdirAll(st.workDir, 0o755); err != nil {
		return fmt.Errorf("WORKSPACE_CREATE_FAILED: %w", err)
	}
	return nil
}

func (o *Orchestrator) generate(ctx context.Context, st *buildState) error {
	st.stage = phaseGenerating
	b := o.budgets.Resolve(ctx, st.job.ProjectID)
	st.log.Info("budget resolved",
		zap.Duration("max_build_time", b.MaxBuildTime),
		zap.Int("max_steps", b.MaxSteps))

	priorContext := ""
	if !st.job.IsInitialBuild {
		priorContext = summarizeTree(st.workDir)
	}

	phaseStart := time.Now()
	out, err := o.generator.Generate(ctx, engine.Request{
		Prompt:         st.job.Prompt,
		PriorContext:   priorContext,
		WorkDir:        st.workDir,
		Budget:         b,
		IsInitialBuild: st.job.IsInitialBuild,
	})
	metrics.Get().BuildPhaseDuration.WithLabelValues(phaseGenerating).Observe(time.Since(phaseStart).Seconds())
	st.genOut = out
	if err != nil {
		return err
	}
	return nil
}

func (o *Orchestrator) install(ctx context.Context, st *buildState) error {
	st.stage = phaseInstalling
	phaseStart := time.Now()
	d, err := o.shell.Install(ctx, st.workDir)
	metrics.Get().BuildPhaseDuration.WithLabelValues(phaseInstalling).Observe(time.Since(phaseStart).Seconds())
	st.installMs = d.Milliseconds()
	if err != nil {
		return fmt.Errorf("INSTALL_FAILED: %w", err)
	}
	return nil
}

func (o *Orchestrator) audit(ctx context.Context, st *buildState) error {
	st.stage = phaseAuditing
	phaseStart := time.Now()
	err := o.shell.Audit(ctx, st.workDir)
	metrics.Get().BuildPhaseDuration.WithLabelValues(phaseAuditing).Observe(time.Since(phaseStart).Seconds())
	return err
}

func (o *Orchestrator) build(ctx context.Context, st *buildState) error {
	st.stage = phaseBuilding
	phaseStart := time.Now()
	d, err := o.shell.Build(ctx, st.workDir)
	metrics.Get().BuildPhaseDuration.WithLabelValues(phaseBuilding).Observe(time.Since(phaseStart).Seconds())
	st.buildMs = d.Milliseconds()
	if err != nil {
		return fmt.Errorf("BUILD_FAILED: %w", err)
	}
	return nil
}

func (o *Orchestrator) deploy(ctx context.Context, st *buildState) error {
	st.stage = phaseDeploying
	phaseStart := time.Now()
	outcome, err := o.deployer.Deploy(ctx, st.project, st.versionID, deployDir(st.workDir))
	metrics.Get().BuildPhaseDuration.WithLabelValues(phaseDeploying).Observe(time.Since(phaseStart).Seconds())
	if err != nil {
		return fmt.Errorf("DEPLOY_FAILED: %w", err)
	}
	st.deployMs = outcome.Duration.Milliseconds()
	st.previewURL = outcome.URL

	switch outcome.State {
	case models.DeployStateError, models.DeployStateCanceled:
		msg := outcome.ErrorMessage
		if msg == "" {
			msg = outcome.State
		}
		return fmt.Errorf("DEPLOY_FAILED: %s", msg)
	case models.DeployStateReady:
		return nil
	default:
		// Unconfirmed after the polling budget; the build's own outcome
		// does not depend on confirmation completing.
		st.log.Warn("deployment unconfirmed, continuing", zap.String("state", outcome.State))
		return nil
	}
}

func (o *Orchestrator) persistArtifact(ctx context.Context, st *buildState) error {
	st.stage = phasePersisting
	phaseStart := time.Now()
	record, err := o.artifacts.Persist(ctx, deployDir(st.workDir),
		st.job.UserID, st.job.ProjectID, st.versionID, st.project.PlanTier)
	metrics.Get().BuildPhaseDuration.WithLabelValues(phasePersisting).Observe(time.Since(phaseStart).Seconds())
	st.artifact = record
	if record != nil {
		st.checksum = record.Checksum
	}
	if errors.Is(err, artifacts.ErrArtifactTooLarge) {
		// Oversized artifacts are simply not persisted; the build stands.
		return nil
	}
	if err != nil {
		return fmt.Errorf("ARTIFACT_PERSIST_FAILED: %w", err)
	}
	return nil
}

func (o *Orchestrator) commitHistory(ctx context.Context, st *buildState) error {
	st.stage = phaseCommitting
	phaseStart := time.Now()
	defer func() {
		metrics.Get().BuildPhaseDuration.WithLabelValues(phaseCommitting).Observe(time.Since(phaseStart).Seconds())
	}()

	message := st.job.Prompt
	if len(message) > 120 {
		message = message[:120]
	}
	if _, err := o.history.Commit(ctx, st.job.ProjectID, st.versionID, message, st.workDir, true); err != nil {
		return fmt.Errorf("HISTORY_COMMIT_FAILED: %w", err)
	}

	var ids []string
	err := o.db.WithContext(ctx).
		Model(&models.ProjectVersion{}).
		Where("project_id = ?", st.job.ProjectID).
		Order("created_at ASC").
		Pluck("id", &ids).Error
	if err != nil {
		st.log.Warn("could not list versions for history trim", zap.Error(err))
		return nil
	}
	if err := o.history.TrimWindow(ctx, st.job.ProjectID, st.versionID, ids); err != nil {
		st.log.Warn("history trim failed", zap.Error(err))
	}
	return nil
}

// reportFailure hands the failure to the classifier with the stage attached.
func (o *Orchestrator) reportFailure(ctx context.Context, st *buildState, buildErr error) (recovery.Classification, string) {
	return o.reporter.Report(ctx, recovery.ErrorContext{
		ProjectID: st.job.ProjectID,
		VersionID: st.versionID,
		Stage:     st.stage,
		Message:   buildErr.Error(),
	}, st.versionID)
}

// applyQuickFix applies a routed deterministic fix to the workspace. At most
// one quick-fix rebuild per job, and only for the shell phases a fix can
// actually influence.
func (o *Orchestrator) applyQuickFix(st *buildState, cl recovery.Classification, buildErr error) bool {
	if st.quickFixUsed {
		return false
	}
	switch st.stage {
	case phaseInstalling, phaseAuditing, phaseBuilding:
	default:
		return false
	}

	st.quickFixUsed = true
	fixer := recovery.NewQuickFixer(st.workDir)
	return fixer.Apply(cl.Strategy, recovery.ErrorContext{
		ProjectID: st.job.ProjectID,
		VersionID: st.versionID,
		Stage:     st.stage,
		Message:   buildErr.Error(),
	})
}

// finalizeSuccess writes the single terminal deployed status.
func (o *Orchestrator) finalizeSuccess(ctx context.Context, st *buildState, elapsed time.Duration) {
	st.metadata = checkScaffold(ctx, o.db, st.project, st.workDir)

	updates := map[string]any{
		"status":      models.VersionStatusDeployed,
		"preview_url": st.previewURL,
		"install_ms":  st.installMs,
		"build_ms":    st.buildMs,
		"deploy_ms":   st.deployMs,
	}
	if st.genOut != nil {
		updates["steps_used"] = st.genOut.StepsUsed
		updates["raw_output"] = st.genOut.Transcript
	}
	if st.artifact != nil {
		updates["checksum"] = st.artifact.Checksum
		updates["size_bytes"] = st.artifact.SizeBytes
		updates["artifact_key"] = st.artifact.Key
		updates["artifact_url"] = st.artifact.URL
	}
	if st.metadata != nil {
		updates["metadata"] = st.metadata
	}
	o.writeTerminal(ctx, st, updates)

	o.publisher.Publish(ctx, events.Event{
		Type:          events.TypeBuildCompleted,
		ProjectID:     st.job.ProjectID,
		UserID:        st.job.UserID,
		VersionID:     st.versionID,
		CorrelationID: st.versionID,
		Data:          map[string]any{"preview_url": st.previewURL, "build_time_ms": elapsed.Milliseconds()},
	})
	st.log.Info("build deployed",
		zap.String("preview_url", st.previewURL),
		zap.Duration("elapsed", elapsed))
}

// finalizeFailure writes the single terminal failed status.
func (o *Orchestrator) finalizeFailure(ctx context.Context, st *buildState, buildErr error, elapsed time.Duration) {
	updates := map[string]any{
		"status":        models.VersionStatusFailed,
		"error_message": buildErr.Error(),
		"install_ms":    st.installMs,
		"build_ms":      st.buildMs,
		"deploy_ms":     st.deployMs,
	}
	if st.genOut != nil {
		updates["steps_used"] = st.genOut.StepsUsed
		updates["raw_output"] = st.genOut.Transcript
	}
	o.writeTerminal(ctx, st, updates)

	o.publisher.Publish(ctx, events.Event{
		Type:          events.TypeBuildFailed,
		ProjectID:     st.job.ProjectID,
		UserID:        st.job.UserID,
		VersionID:     st.versionID,
		CorrelationID: st.versionID,
		Data:          map[string]any{"stage": st.stage, "error": buildErr.Error()},
	})
	st.log.Error("build failed",
		zap.String("stage", st.stage),
		zap.Duration("elapsed", elapsed),
		zap.Error(buildErr))
}

// writeTerminal performs the guarded terminal write: only a version still in
// building state accepts one. A second write, from any path, affects zero
// rows and is logged instead of applied.
func (o *Orchestrator) writeTerminal(ctx context.Context, st *buildState, updates map[string]any) {
	res := o.db.WithContext(ctx).
		Model(&models.ProjectVersion{}).
		Where("id = ? AND status = ?", st.versionID, models.VersionStatusBuilding).
		Updates(updates)
	if res.Error != nil {
		st.log.Error("terminal status write failed", zap.Error(res.Error))
		return
	}
	if res.RowsAffected == 0 {
		st.log.Warn("terminal status already written, skipping duplicate write")
	}
}

// summarizeTree lists the workspace's files for update-build prior context,
// skipping dependency and build output directories.
func summarizeTree(workDir string) string {
	var sb []byte
	sb = append(sb, "Existing project files:\n"...)
	_ = filepath.Walk(workDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			base := filepath.Base(path)
			if base == "node_modules" || base == ".git" || base == "dist" || base == "build" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return nil
		}
		sb = append(sb, "- "+filepath.ToSlash(rel)+"\n"...)
		return nil
	})
	return string(sb)
}

// deployDir picks the tree that actually ships: the bundler's output
// directory when present, otherwise the workspace itself.
func deployDir(workDir string) string {
	for _, candidate := range []string{"dist", "build", "out"} {
		p := filepath.Join(workDir, candidate)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			return p
		}
	}
	return workDir
}
