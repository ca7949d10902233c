// Package artifacts packages build output into content-addressed archives
// and persists them to the object store under a retention tier.
package artifacts

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"buildforge/internal/logging"
	"buildforge/internal/metrics"
	"buildforge/pkg/models"

	"go.uber.org/zap"
)

// ErrArtifactTooLarge means the packaged archive exceeded the upload ceiling.
// The build itself still succeeds; only the durable copy is absent.
var ErrArtifactTooLarge = errors.New("ARTIFACT_TOO_LARGE: packaged archive exceeds upload ceiling")

// Manager packages and persists build artifacts.
type Manager struct {
	store    ObjectStore
	maxBytes int64
}

func NewManager(store ObjectStore, maxBytes int64) *Manager {
	return &Manager{store: store, maxBytes: maxBytes}
}

// Persist packages outputDir, computes its checksum, and uploads it under a
// retention tier derived from the account's plan. The checksum is computed
// over the packaged bytes before upload and never recomputed after. Archives
// over the ceiling are not uploaded at all, never partially.
func (m *Manager) Persist(ctx context.Context, outputDir string, userID, projectID uint, versionID, planTier string) (*models.ArtifactRecord, error) {
	tmp, err := os.CreateTemp("", "artifact-*.tar.gz")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := sha256.New()
	size, err := Package(outputDir, io.MultiWriter(tmp, hasher))
	if err != nil {
		return nil, fmt.Errorf("failed to package %s: %w", outputDir, err)
	}

	record := &models.ArtifactRecord{
		Key:           fmt.Sprintf("artifacts/%d/%d/%s.tar.gz", userID, projectID, versionID),
		Checksum:      hex.EncodeToString(hasher.Sum(nil)),
		SizeBytes:     size,
		RetentionTier: TierForPlan(planTier),
	}
	metrics.Get().ArtifactBytes.Observe(float64(size))

	if m.maxBytes > 0 && size > m.maxBytes {
		metrics.Get().ArtifactSkippedTotal.Inc()
		logging.L().Warn("artifact upload skipped",
			zap.String("version_id", versionID),
			zap.Int64("size_bytes", size),
			zap.Int64("ceiling_bytes", m.maxBytes))
		return record, ErrArtifactTooLarge
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind staging file: %w", err)
	}
	url, err := m.store.Upload(ctx, record.Key, tmp, record.RetentionTier)
	if err != nil {
		metrics.Get().ArtifactUploadsTotal.WithLabelValues(record.RetentionTier, "error").Inc()
		return record, fmt.Errorf("artifact upload failed: %w", err)
	}
	record.URL = url
	record.Uploaded = true
	metrics.Get().ArtifactUploadsTotal.WithLabelValues(record.RetentionTier, "ok").Inc()

	// A size mismatch after upload is logged for manual investigation, not
	// retried; silently replacing the object could mask corruption.
	if stored, err := m.store.StoredSize(ctx, record.Key); err != nil {
		logging.L().Warn("could not verify stored artifact size",
			zap.String("key", record.Key), zap.Error(err))
	} else if stored != size {
		logging.L().Warn("CHECKSUM_MISMATCH: stored artifact size differs from local",
			zap.String("key", record.Key),
			zap.Int64("local_bytes", size),
			zap.Int64("stored_bytes", stored))
	}

	return record, nil
}

// TierForPlan maps account plan attributes to a storage retention tier.
func TierForPlan(planTier string) string {
	if strings.EqualFold(planTier, "paid") {
		return models.RetentionLongTerm
	}
	return models.RetentionShortLived
}

// Package writes a deterministic tar.gz of dir to w and returns the number
// of compressed bytes written. Entries are sorted and timestamps zeroed so
// packaging the same tree twice yields the same checksum.
func Package(dir string, w io.Writer) (int64, error) {
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.Strings(paths)

	counter := &countingWriter{w: w}
	gz := gzip.NewWriter(counter)
	tw := tar.NewWriter(gz)

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return 0, err
		}
		hdr := &tar.Header{
			Name:    filepath.ToSlash(rel),
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: time.Unix(0, 0),
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return 0, err
		}
		f, err := os.Open(path)
		if err != nil {
			return 0, err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return 0, err
	}
	if err := gz.Close(); err != nil {
		return 0, err
	}
	return counter.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
