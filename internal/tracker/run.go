package tracker

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/gonz4lex/runelog/internal/fsutil"
	"github.com/gonz4lex/runelog/internal/meta"
	"github.com/gonz4lex/runelog/internal/value"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	// StatusRunning marks a run whose handle is still open. A run abandoned
	// without End stays RUNNING on disk: inspectable, not an error.
	StatusRunning RunStatus = "RUNNING"
	// StatusFinished marks a run whose scope exited normally.
	StatusFinished RunStatus = "FINISHED"
	// StatusFailed marks a run whose scope exited with an error or panic.
	StatusFailed RunStatus = "FAILED"
)

// RunInfo is the persisted run metadata record.
type RunInfo struct {
	ID           string    `json:"run_id"`
	ExperimentID string    `json:"experiment_id"`
	Status       RunStatus `json:"status"`
}

// Run is a fully materialized run: metadata plus everything logged into it.
type Run struct {
	RunInfo
	Params    map[string]value.Value
	Metrics   map[string]float64
	Artifacts []string
}

// runIDAttempts bounds the id reservation loop. Eight hex characters give
// four billion ids; needing even a second attempt is already rare.
const runIDAttempts = 16

// Begin opens a new run under experimentID and returns its scoped handle.
// All subsequent logging goes through the handle; the Tracker itself keeps
// no notion of an "active" run, so independent handles from different
// goroutines or processes never interfere.
//
// Asking for the default experiment bootstraps it on first use.
func (t *Tracker) Begin(ctx context.Context, experimentID string) (*RunHandle, error) {
	if err := validateID("experiment", experimentID); err != nil {
		return nil, err
	}

	expPath := filepath.Join(t.mlrunsDir, experimentID)
	if _, err := os.Stat(expPath); errors.Is(err, fs.ErrNotExist) {
		if experimentID != DefaultExperimentID {
			return nil, &ExperimentNotFoundError{Ref: experimentID}
		}
		if err := t.ensureDefaultExperiment(ctx); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, &StorageError{Op: "run creation", Err: err}
	}

	// Run ids must be unique across every experiment in the root, so the
	// collision scan and the reserving mkdir sit under the root lock.
	lock, err := t.rootLock(ctx, "run id allocation")
	if err != nil {
		return nil, err
	}

	var runID, runPath string
	for attempt := 0; ; attempt++ {
		if attempt == runIDAttempts {
			lock.Release()
			return nil, &StorageError{Op: "run id allocation",
				Err: fmt.Errorf("no unique run id after %d attempts", runIDAttempts)}
		}
		candidate := newRunID()
		if existing, err := t.findRunPath(candidate); err != nil {
			lock.Release()
			return nil, err
		} else if existing != "" {
			continue
		}
		path := filepath.Join(expPath, candidate)
		if err := os.Mkdir(path, 0o755); errors.Is(err, fs.ErrExist) {
			continue
		} else if err != nil {
			lock.Release()
			return nil, &StorageError{Op: "run creation", Err: err}
		}
		runID, runPath = candidate, path
		break
	}
	lock.Release()

	// Everything below writes only under the freshly reserved directory,
	// so no lock is needed.
	for _, sub := range []string{paramsDirName, metricsDirName, artifactsDirName} {
		if err := os.Mkdir(filepath.Join(runPath, sub), 0o755); err != nil {
			return nil, &StorageError{Op: "run creation", Err: err}
		}
	}

	info := RunInfo{ID: runID, ExperimentID: experimentID, Status: StatusRunning}
	if err := meta.Write(filepath.Join(runPath, metaFileName), info); err != nil {
		return nil, &StorageError{Op: "run creation", Err: err}
	}

	t.logger(ctx).Debug("Started run.", "run_id", runID, "experiment_id", experimentID)
	return &RunHandle{tracker: t, info: info, path: runPath}, nil
}

// WithRun runs fn inside a run scope. The run is marked FINISHED when fn
// returns nil, FAILED when fn returns an error or panics; the terminal
// status is persisted on every exit path before the error (or panic) is
// handed back to the caller.
func (t *Tracker) WithRun(ctx context.Context, experimentID string, fn func(ctx context.Context, run *RunHandle) error) error {
	handle, err := t.Begin(ctx, experimentID)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = handle.End(ctx, StatusFailed)
			panic(p)
		}
	}()

	if err := fn(ctx, handle); err != nil {
		if endErr := handle.End(ctx, StatusFailed); endErr != nil {
			return errors.Join(err, endErr)
		}
		return err
	}
	return handle.End(ctx, StatusFinished)
}

// GetRun materializes the run with the given id, searching every
// experiment. A missing run returns (nil, nil) rather than an error; this
// is the single documented absent-not-error lookup, kept so reporting code
// can treat vanished runs as skippable.
func (t *Tracker) GetRun(ctx context.Context, runID string) (*Run, error) {
	if err := validateID("run", runID); err != nil {
		return nil, err
	}

	runPath, err := t.findRunPath(runID)
	if err != nil {
		return nil, err
	}
	if runPath == "" {
		return nil, nil
	}
	return t.loadRun(ctx, runPath)
}

// ListRuns returns the metadata records of every run under an experiment,
// sorted by run id. Damaged run entries are skipped.
func (t *Tracker) ListRuns(ctx context.Context, experimentID string) ([]RunInfo, error) {
	if err := validateID("experiment", experimentID); err != nil {
		return nil, err
	}

	expPath := filepath.Join(t.mlrunsDir, experimentID)
	if _, err := os.Stat(expPath); errors.Is(err, fs.ErrNotExist) {
		return nil, &ExperimentNotFoundError{Ref: experimentID}
	}

	runIDs, err := fsutil.Dirs(expPath)
	if err != nil {
		return nil, &StorageError{Op: "run listing", Err: err}
	}

	var runs []RunInfo
	for _, id := range runIDs {
		if strings.HasPrefix(id, ".") {
			continue
		}
		var info RunInfo
		if err := meta.Read(filepath.Join(expPath, id, metaFileName), &info); err != nil {
			t.logger(ctx).Debug("Skipping unreadable run entry.", "run_id", id, "error", err)
			continue
		}
		runs = append(runs, info)
	}
	return runs, nil
}

// ArtifactPath resolves the absolute path of a stored artifact, for
// download or registration by external tooling.
func (t *Tracker) ArtifactPath(ctx context.Context, runID, artifactName string) (string, error) {
	if err := validateID("run", runID); err != nil {
		return "", err
	}
	if err := validateID("artifact", artifactName); err != nil {
		return "", err
	}

	runPath, err := t.findRunPath(runID)
	if err != nil {
		return "", err
	}
	if runPath == "" {
		return "", &RunNotFoundError{RunID: runID}
	}

	path := filepath.Join(runPath, artifactsDirName, artifactName)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return "", &ArtifactNotFoundError{Path: artifactName, RunID: runID}
	} else if err != nil {
		return "", &StorageError{Op: "artifact lookup", Err: err}
	}
	return path, nil
}

// findRunPath locates a run directory by id across all experiments, relying
// on the global uniqueness of run ids. Returns "" when no experiment holds
// the run.
func (t *Tracker) findRunPath(runID string) (string, error) {
	expIDs, err := fsutil.Dirs(t.mlrunsDir)
	if err != nil {
		return "", &StorageError{Op: "run lookup", Err: err}
	}
	for _, expID := range expIDs {
		if strings.HasPrefix(expID, ".") {
			continue
		}
		path := filepath.Join(t.mlrunsDir, expID, runID)
		info, err := os.Stat(path)
		if err == nil && info.IsDir() {
			return path, nil
		}
	}
	return "", nil
}

// loadRun reads a run directory into a materialized Run. Missing params,
// metrics, or artifacts areas yield empty collections, never errors.
func (t *Tracker) loadRun(ctx context.Context, runPath string) (*Run, error) {
	run := &Run{
		Params:  map[string]value.Value{},
		Metrics: map[string]float64{},
	}
	if err := meta.Read(filepath.Join(runPath, metaFileName), &run.RunInfo); err != nil &&
		!errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if run.ID == "" {
		run.ID = filepath.Base(runPath)
	}

	paramFiles, err := fsutil.Files(filepath.Join(runPath, paramsDirName))
	if err != nil {
		return nil, &StorageError{Op: "param read", Err: err}
	}
	for _, name := range paramFiles {
		key, ok := recordKey(name)
		if !ok {
			continue
		}
		var record value.Record
		if err := meta.Read(filepath.Join(runPath, paramsDirName, name), &record); err != nil {
			return nil, err
		}
		run.Params[key] = record.Val()
	}

	metricFiles, err := fsutil.Files(filepath.Join(runPath, metricsDirName))
	if err != nil {
		return nil, &StorageError{Op: "metric read", Err: err}
	}
	for _, name := range metricFiles {
		key, ok := recordKey(name)
		if !ok {
			continue
		}
		var record value.Record
		if err := meta.Read(filepath.Join(runPath, metricsDirName, name), &record); err != nil {
			return nil, err
		}
		if f, ok := value.Float(record.Val()); ok {
			run.Metrics[key] = f
		}
	}

	artifacts, err := fsutil.Files(filepath.Join(runPath, artifactsDirName))
	if err != nil {
		return nil, &StorageError{Op: "artifact read", Err: err}
	}
	run.Artifacts = artifacts
	if run.Artifacts == nil {
		run.Artifacts = []string{}
	}
	return run, nil
}

// recordKey maps a params/metrics file name back to its logged key.
func recordKey(fileName string) (string, bool) {
	key, found := strings.CutSuffix(fileName, ".json")
	if !found || key == "" || strings.HasPrefix(fileName, ".") {
		return "", false
	}
	return key, true
}

// newRunID returns a fresh 8-hex-character run id candidate. Uniqueness is
// not assumed; Begin collision-checks and reserves it under the root lock.
func newRunID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])[:8]
}
