package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"buildforge/internal/logging"
	"buildforge/pkg/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// checkScaffold compares the pages a project's template expects against the
// files actually produced. Best effort and observational only: mismatches
// are returned as metadata on the version, never as a failure.
func checkScaffold(ctx context.Context, db *gorm.DB, project *models.Project, workDir string) map[string]any {
	if project.TemplateID == nil {
		return nil
	}
	var tmpl models.ProjectTemplate
	if err := db.WithContext(ctx).First(&tmpl, *project.TemplateID).Error; err != nil {
		return nil
	}
	if tmpl.ExpectedPagesCSV == "" {
		return nil
	}

	var missing []string
	for _, page := range strings.Split(tmpl.ExpectedPagesCSV, ",") {
		page = strings.TrimSpace(page)
		if page == "" {
			continue
		}
		if !pageExists(workDir, page) {
			missing = append(missing, page)
		}
	}
	if len(missing) == 0 {
		return map[string]any{"scaffold_conformant": true}
	}

	logging.L().Info("scaffold conformance mismatch",
		zap.Uint("project_id", project.ID),
		zap.Strings("missing_pages", missing))
	return map[string]any{
		"scaffold_conformant": false,
		"missing_pages":       missing,
	}
}

// pageExists checks the common locations a page file can land in.
func pageExists(workDir, page string) bool {
	candidates := []string{
		page,
		filepath.Join("src", "pages", page),
		filepath.Join("src", "app", page),
		filepath.Join("pages", page),
		filepath.Join("app", page),
	}
	for _, c := range candidates {
		if _, err := os.Stat(filepath.Join(workDir, c)); err == nil {
			return true
		}
	}
	return false
}
