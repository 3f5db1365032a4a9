package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/gonz4lex/runelog/internal/meta"
	"github.com/gonz4lex/runelog/internal/value"
)

// RunHandle is the scoped handle for one open run. All logging flows
// through it; the handle carries its own identity and open/closed state, so
// any number of handles can be live concurrently across goroutines and
// processes. A handle is itself safe for concurrent use.
type RunHandle struct {
	tracker *Tracker
	info    RunInfo
	path    string

	mu     sync.Mutex
	closed bool
}

// ID returns the run's globally unique id.
func (h *RunHandle) ID() string {
	return h.info.ID
}

// ExperimentID returns the id of the experiment the run belongs to.
func (h *RunHandle) ExperimentID() string {
	return h.info.ExperimentID
}

// ensureOpen rejects operations on a finalized handle.
func (h *RunHandle) ensureOpen() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("run %q: %w", h.info.ID, ErrRunClosed)
	}
	return nil
}

// LogParam records one parameter. The value must belong to the closed set
// (string, number, bool, or homogeneous list of those); logging the same key
// again overwrites the prior value. The write is durable before LogParam
// returns.
func (h *RunHandle) LogParam(ctx context.Context, key string, v value.Value) error {
	if err := h.ensureOpen(); err != nil {
		return err
	}
	if err := validateID("param key", key); err != nil {
		return err
	}
	if err := value.Check(v); err != nil {
		return err
	}

	path := filepath.Join(h.path, paramsDirName, key+".json")
	if err := meta.Write(path, value.NewRecord(v)); err != nil {
		return &StorageError{Op: "param write", Err: err}
	}
	h.tracker.logger(ctx).Debug("Logged param.", "run_id", h.info.ID, "key", key)
	return nil
}

// LogMetric records one numeric metric, overwriting any prior value for the
// key. The write is durable before LogMetric returns.
func (h *RunHandle) LogMetric(ctx context.Context, key string, metric float64) error {
	if err := h.ensureOpen(); err != nil {
		return err
	}
	if err := validateID("metric key", key); err != nil {
		return err
	}

	path := filepath.Join(h.path, metricsDirName, key+".json")
	if err := meta.Write(path, value.NewRecord(value.Number(metric))); err != nil {
		return &StorageError{Op: "metric write", Err: err}
	}
	h.tracker.logger(ctx).Debug("Logged metric.", "run_id", h.info.ID, "key", key, "value", metric)
	return nil
}

// LogArtifact copies the file at localPath into the run's artifact area
// under its base name. An existing artifact with the same name is
// overwritten silently; its set entry does not change.
func (h *RunHandle) LogArtifact(ctx context.Context, localPath string) error {
	if err := h.ensureOpen(); err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if errors.Is(err, fs.ErrNotExist) {
		return &ArtifactNotFoundError{Path: localPath}
	}
	if err != nil {
		return &StorageError{Op: "artifact copy", Err: err}
	}
	defer src.Close()

	name := filepath.Base(localPath)
	if err := validateID("artifact", name); err != nil {
		return err
	}

	dst, err := os.Create(filepath.Join(h.path, artifactsDirName, name))
	if err != nil {
		return &StorageError{Op: "artifact copy", Err: err}
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return &StorageError{Op: "artifact copy", Err: err}
	}
	if err := dst.Close(); err != nil {
		return &StorageError{Op: "artifact copy", Err: err}
	}

	h.tracker.logger(ctx).Debug("Logged artifact.", "run_id", h.info.ID, "artifact", name)
	return nil
}

// LogModel encodes model through the tracker's codec collaborator and
// stores the resulting blob as an artifact named name.
func (h *RunHandle) LogModel(ctx context.Context, model any, name string) error {
	if err := h.ensureOpen(); err != nil {
		return err
	}
	if err := validateID("artifact", name); err != nil {
		return err
	}

	data, err := h.tracker.codec.Encode(model)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(h.path, artifactsDirName, name), data, 0o644); err != nil {
		return &StorageError{Op: "model write", Err: err}
	}

	h.tracker.logger(ctx).Debug("Logged model artifact.", "run_id", h.info.ID, "artifact", name, "bytes", len(data))
	return nil
}

// End finalizes the run with the given terminal status and closes the
// handle. End is idempotent: the first call wins and later calls are
// no-ops, so a deferred End after an explicit one is harmless.
func (h *RunHandle) End(ctx context.Context, status RunStatus) error {
	if status != StatusFinished && status != StatusFailed {
		return fmt.Errorf("invalid terminal run status %q", status)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	info := h.info
	info.Status = status
	if err := meta.Write(filepath.Join(h.path, metaFileName), info); err != nil {
		return &StorageError{Op: "run finalization", Err: err}
	}

	h.tracker.logger(ctx).Debug("Ended run.", "run_id", h.info.ID, "status", string(status))
	return nil
}
