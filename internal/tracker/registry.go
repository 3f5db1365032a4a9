package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gonz4lex/runelog/internal/fsutil"
	"github.com/gonz4lex/runelog/internal/lockfile"
	"github.com/gonz4lex/runelog/internal/meta"
)

// LatestVersion selects the highest existing version of a model.
const LatestVersion = "latest"

// registeredModelFileName is the immutable payload name inside a version
// directory.
const registeredModelFileName = "model.bin"

// ModelVersion is the metadata record of one immutable registry entry.
// Only Tags may change after registration.
type ModelVersion struct {
	ModelName             string            `json:"model_name"`
	Version               int               `json:"version"`
	SourceRunID           string            `json:"source_run_id"`
	RegistrationTimestamp string            `json:"registration_timestamp"`
	Tags                  map[string]string `json:"tags"`
}

// RegisterModel promotes a run artifact into the registry under modelName,
// allocating the next version in the model's gap-free 1-based sequence.
//
// The per-model lock covers only the scan-and-reserve of the version
// number; the artifact copy (potentially large) happens after release.
// Readers resolving "latest" during that window may find a reserved
// version whose payload is still being copied, which surfaces as
// ModelVersionNotFound, exactly as if registration had not finished yet.
func (t *Tracker) RegisterModel(ctx context.Context, runID, artifactName, modelName string, tags map[string]string) (int, error) {
	if err := validateID("model name", modelName); err != nil {
		return 0, err
	}

	sourcePath, err := t.ArtifactPath(ctx, runID, artifactName)
	if err != nil {
		return 0, err
	}

	modelPath := filepath.Join(t.registryDir, modelName)
	if err := os.MkdirAll(modelPath, 0o755); err != nil {
		return 0, &StorageError{Op: "model registration", Err: err}
	}

	lock, err := lockfile.Acquire(ctx, filepath.Join(modelPath, lockFileName), t.lockTimeout)
	if err != nil {
		return 0, &StorageError{Op: "model version allocation", Err: err}
	}

	versions, err := t.versionNumbers(modelPath)
	if err != nil {
		lock.Release()
		return 0, err
	}
	next := 1
	if len(versions) > 0 {
		next = versions[len(versions)-1] + 1
	}
	versionPath := filepath.Join(modelPath, strconv.Itoa(next))
	if err := os.Mkdir(versionPath, 0o755); err != nil {
		lock.Release()
		return 0, &StorageError{Op: "model version allocation", Err: err}
	}
	lock.Release()

	if err := copyFile(sourcePath, filepath.Join(versionPath, registeredModelFileName)); err != nil {
		return 0, &StorageError{Op: "model registration", Err: err}
	}

	if tags == nil {
		tags = map[string]string{}
	}
	record := ModelVersion{
		ModelName:             modelName,
		Version:               next,
		SourceRunID:           runID,
		RegistrationTimestamp: time.Now().Format(time.RFC3339Nano),
		Tags:                  tags,
	}
	if err := meta.Write(filepath.Join(versionPath, metaFileName), record); err != nil {
		return 0, &StorageError{Op: "model registration", Err: err}
	}

	t.logger(ctx).Debug("Registered model version.",
		"model", modelName, "version", next, "source_run_id", runID)
	return next, nil
}

// LoadRegisteredModelBytes returns the raw payload of a registered model
// version. Version is a positive integer in decimal form or "latest".
func (t *Tracker) LoadRegisteredModelBytes(ctx context.Context, modelName, version string) ([]byte, error) {
	versionPath, _, err := t.resolveVersion(modelName, version)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(versionPath, registeredModelFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &ModelVersionNotFoundError{Name: modelName, Version: filepath.Base(versionPath)}
	}
	if err != nil {
		return nil, &StorageError{Op: "model load", Err: err}
	}
	return data, nil
}

// LoadRegisteredModel loads a registered model version and decodes it into
// out through the tracker's codec collaborator.
func (t *Tracker) LoadRegisteredModel(ctx context.Context, modelName, version string, out any) error {
	data, err := t.LoadRegisteredModelBytes(ctx, modelName, version)
	if err != nil {
		return err
	}
	return t.codec.Decode(data, out)
}

// ListRegisteredModels returns the sorted names of every model in the
// registry.
func (t *Tracker) ListRegisteredModels(ctx context.Context) ([]string, error) {
	names, err := fsutil.Dirs(t.registryDir)
	if err != nil {
		return nil, &StorageError{Op: "registry listing", Err: err}
	}
	var models []string
	for _, name := range names {
		if strings.HasPrefix(name, ".") {
			continue
		}
		models = append(models, name)
	}
	return models, nil
}

// GetModelVersions returns all version records of a model, newest first.
// An unknown model yields an empty slice; versions whose metadata is
// missing or damaged are skipped.
func (t *Tracker) GetModelVersions(ctx context.Context, modelName string) ([]ModelVersion, error) {
	if err := validateID("model name", modelName); err != nil {
		return nil, err
	}

	modelPath := filepath.Join(t.registryDir, modelName)
	versions, err := t.versionNumbers(modelPath)
	if err != nil {
		return nil, err
	}

	var records []ModelVersion
	for i := len(versions) - 1; i >= 0; i-- {
		var record ModelVersion
		path := filepath.Join(modelPath, strconv.Itoa(versions[i]), metaFileName)
		if err := meta.Read(path, &record); err != nil {
			t.logger(ctx).Debug("Skipping unreadable model version.",
				"model", modelName, "version", versions[i], "error", err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// GetModelTags returns the tags of one model version.
func (t *Tracker) GetModelTags(ctx context.Context, modelName, version string) (map[string]string, error) {
	versionPath, _, err := t.resolveVersion(modelName, version)
	if err != nil {
		return nil, err
	}

	var record ModelVersion
	if err := t.readVersionMeta(versionPath, modelName, &record); err != nil {
		return nil, err
	}
	if record.Tags == nil {
		record.Tags = map[string]string{}
	}
	return record.Tags, nil
}

// SetModelTags merges tags into a version's tag map: existing keys are
// overwritten, other keys are left alone. The read-modify-write runs under
// the per-model lock and lands through the atomic metadata codec, so a
// reader never observes a truncated record.
func (t *Tracker) SetModelTags(ctx context.Context, modelName, version string, tags map[string]string) error {
	return t.updateVersionTags(ctx, modelName, version, func(current map[string]string) {
		for key, val := range tags {
			current[key] = val
		}
	})
}

// ReplaceModelTags overwrites a version's tag map wholesale with tags.
func (t *Tracker) ReplaceModelTags(ctx context.Context, modelName, version string, tags map[string]string) error {
	return t.updateVersionTags(ctx, modelName, version, func(current map[string]string) {
		for key := range current {
			delete(current, key)
		}
		for key, val := range tags {
			current[key] = val
		}
	})
}

// RemoveModelTags deletes the given keys from a version's tag map. Unknown
// keys are ignored.
func (t *Tracker) RemoveModelTags(ctx context.Context, modelName, version string, keys ...string) error {
	return t.updateVersionTags(ctx, modelName, version, func(current map[string]string) {
		for _, key := range keys {
			delete(current, key)
		}
	})
}

func (t *Tracker) updateVersionTags(ctx context.Context, modelName, version string, mutate func(map[string]string)) error {
	versionPath, _, err := t.resolveVersion(modelName, version)
	if err != nil {
		return err
	}

	lock, err := lockfile.Acquire(ctx, filepath.Join(t.registryDir, modelName, lockFileName), t.lockTimeout)
	if err != nil {
		return &StorageError{Op: "tag update", Err: err}
	}
	defer lock.Release()

	var record ModelVersion
	if err := t.readVersionMeta(versionPath, modelName, &record); err != nil {
		return err
	}
	if record.Tags == nil {
		record.Tags = map[string]string{}
	}
	mutate(record.Tags)

	if err := meta.Write(filepath.Join(versionPath, metaFileName), record); err != nil {
		return &StorageError{Op: "tag update", Err: err}
	}
	t.logger(ctx).Debug("Updated model tags.", "model", modelName, "version", record.Version)
	return nil
}

// resolveVersion maps (modelName, version|"latest") to a version directory.
func (t *Tracker) resolveVersion(modelName, version string) (string, int, error) {
	if err := validateID("model name", modelName); err != nil {
		return "", 0, err
	}

	modelPath := filepath.Join(t.registryDir, modelName)
	if _, err := os.Stat(modelPath); errors.Is(err, fs.ErrNotExist) {
		return "", 0, &ModelNotFoundError{Name: modelName}
	} else if err != nil {
		return "", 0, &StorageError{Op: "model lookup", Err: err}
	}

	if version == LatestVersion {
		versions, err := t.versionNumbers(modelPath)
		if err != nil {
			return "", 0, err
		}
		if len(versions) == 0 {
			return "", 0, &NoVersionsFoundError{Name: modelName}
		}
		latest := versions[len(versions)-1]
		return filepath.Join(modelPath, strconv.Itoa(latest)), latest, nil
	}

	n, err := strconv.Atoi(version)
	if err != nil || n < 1 {
		return "", 0, &InvalidIdentifierError{Kind: "model version", ID: version}
	}
	versionPath := filepath.Join(modelPath, strconv.Itoa(n))
	if _, err := os.Stat(versionPath); errors.Is(err, fs.ErrNotExist) {
		return "", 0, &ModelVersionNotFoundError{Name: modelName, Version: version}
	} else if err != nil {
		return "", 0, &StorageError{Op: "model version lookup", Err: err}
	}
	return versionPath, n, nil
}

// readVersionMeta loads a version's metadata record, translating a missing
// file into ModelVersionNotFound.
func (t *Tracker) readVersionMeta(versionPath, modelName string, out *ModelVersion) error {
	err := meta.Read(filepath.Join(versionPath, metaFileName), out)
	if errors.Is(err, fs.ErrNotExist) {
		return &ModelVersionNotFoundError{Name: modelName, Version: filepath.Base(versionPath)}
	}
	return err
}

// versionNumbers returns the numeric version directories of a model in
// ascending order. Non-numeric entries (lock files, strays) are ignored.
func (t *Tracker) versionNumbers(modelPath string) ([]int, error) {
	entries, err := fsutil.Dirs(modelPath)
	if err != nil {
		return nil, &StorageError{Op: "version scan", Err: err}
	}
	var versions []int
	for _, entry := range entries {
		n, err := strconv.Atoi(entry)
		if err != nil || n < 1 {
			continue
		}
		versions = append(versions, n)
	}
	sort.Ints(versions)
	return versions, nil
}

// copyFile copies src to dst, truncating any existing destination.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %q: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %q: %w", src, err)
	}
	return out.Close()
}
