// Package vcs maintains a local, append-only version-control history of
// builds: every version is committed, but full build output is retained only
// for a sliding window of recent versions. History is permanent; bulk
// payload is not.
package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"buildforge/internal/logging"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.uber.org/zap"
)

const (
	versionsDir = "versions"
	metadataDir = "metadata"
)

// History manages per-project history repositories under a base directory.
type History struct {
	baseDir string
	window  int // number of versions whose full output is retained
}

func NewHistory(baseDir string, window int) *History {
	return &History{baseDir: baseDir, window: window}
}

// commitMeta is the always-retained record of one build version.
type commitMeta struct {
	VersionID  string    `json:"version_id"`
	Message    string    `json:"message"`
	FullOutput bool      `json:"full_output"`
	CommittedAt time.Time `json:"committed_at"`
}

// Commit records one build version in the project's history repository.
// Metadata is always written; the full output tree is copied in only when
// includeFullOutput is set. Returns the commit hash.
func (h *History) Commit(ctx context.Context, projectID uint, versionID, message, outputDir string, includeFullOutput bool) (string, error) {
	repo, worktreePath, err := h.openOrInit(projectID)
	if err != nil {
		return "", err
	}

	meta := commitMeta{
		VersionID:   versionID,
		Message:     message,
		FullOutput:  includeFullOutput,
		CommittedAt: time.Now().UTC(),
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal version metadata: %w", err)
	}
	metaPath := filepath.Join(worktreePath, metadataDir, versionID+".json")
	if err := os.MkdirAll(filepath.Dir(metaPath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create metadata directory: %w", err)
	}
	if err := os.WriteFile(metaPath, metaBytes, 0o644); err != nil {
		return "", fmt.Errorf("failed to write version metadata: %w", err)
	}

	if includeFullOutput {
		dst := filepath.Join(worktreePath, versionsDir, versionID)
		if err := copyTree(outputDir, dst); err != nil {
			return "", fmt.Errorf("failed to copy build output into history: %w", err)
		}
	}

	hash, err := h.commitAll(repo, fmt.Sprintf("build %s: %s", versionID, message))
	if err != nil {
		return "", err
	}

	logging.L().Info("version committed to history",
		zap.Uint("project_id", projectID),
		zap.String("version_id", versionID),
		zap.String("commit", hash),
		zap.Bool("full_output", includeFullOutput))
	return hash, nil
}

// TrimWindow prunes full output trees outside the most recent window.
// allVersionIDs must be ordered oldest to newest and include the current
// version. Metadata and commit history are never pruned.
func (h *History) TrimWindow(ctx context.Context, projectID uint, currentVersionID string, allVersionIDs []string) error {
	if h.window <= 0 || len(allVersionIDs) <= h.window {
		return nil
	}

	repo, worktreePath, err := h.openOrInit(projectID)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, h.window)
	for _, id := range allVersionIDs[len(allVersionIDs)-h.window:] {
		keep[id] = true
	}
	keep[currentVersionID] = true

	pruned := 0
	for _, id := range allVersionIDs {
		if keep[id] {
			continue
		}
		full := filepath.Join(worktreePath, versionsDir, id)
		if _, err := os.Stat(full); os.IsNotExist(err) {
			continue
		}
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("failed to prune version %s: %w", id, err)
		}
		pruned++
	}
	if pruned == 0 {
		return nil
	}

	if _, err := h.commitAll(repo, fmt.Sprintf("trim history window, pruned %d full builds", pruned)); err != nil {
		return err
	}
	logging.L().Info("history window trimmed",
		zap.Uint("project_id", projectID), zap.Int("pruned", pruned))
	return nil
}

// RetainedVersions lists the version ids whose full output is still present.
func (h *History) RetainedVersions(projectID uint) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(h.projectDir(projectID), versionsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (h *History) projectDir(projectID uint) string {
	return filepath.Join(h.baseDir, strconv.FormatUint(uint64(projectID), 10))
}

func (h *History) openOrInit(projectID uint) (*git.Repository, string, error) {
	dir := h.projectDir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, "", fmt.Errorf("failed to create history directory: %w", err)
	}
	repo, err := git.PlainOpen(dir)
	if err == git.ErrRepositoryNotExists {
		repo, err = git.PlainInit(dir, false)
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to open history repository: %w", err)
	}
	return repo, dir, nil
}

func (h *History) commitAll(repo *git.Repository, message string) (string, error) {
	w, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("failed to open worktree: %w", err)
	}
	if err := w.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return "", fmt.Errorf("failed to stage history changes: %w", err)
	}
	hash, err := w.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  "buildforge",
			Email: "worker@buildforge.local",
			When:  time.Now().UTC(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit history: %w", err)
	}
	return hash.String(), nil
}

// copyTree copies a directory recursively, skipping node_modules and VCS
// internals; those are reproducible from the commit itself.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			base := filepath.Base(path)
			if base == "node_modules" || base == ".git" {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}
