package tracker

import (
	"errors"
	"fmt"
)

// ErrRunClosed reports a logging call on a run handle after End. It is the
// closed-handle analogue of "no active run": the write is rejected instead
// of silently landing in a finalized run.
var ErrRunClosed = errors.New("run handle is closed")

// ExperimentNotFoundError reports a lookup of an experiment that does not
// exist, by id or by name depending on the operation.
type ExperimentNotFoundError struct {
	Ref string
}

func (e *ExperimentNotFoundError) Error() string {
	return fmt.Sprintf("experiment %q not found", e.Ref)
}

// RunNotFoundError reports an operation addressing an unknown run id.
type RunNotFoundError struct {
	RunID string
}

func (e *RunNotFoundError) Error() string {
	return fmt.Sprintf("run %q not found", e.RunID)
}

// ArtifactNotFoundError reports a missing artifact, either a local source
// file being logged or a stored artifact being resolved within a run.
type ArtifactNotFoundError struct {
	Path  string
	RunID string // empty when the artifact is a local source path
}

func (e *ArtifactNotFoundError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("artifact %q not found", e.Path)
	}
	return fmt.Sprintf("artifact %q not found in run %q", e.Path, e.RunID)
}

// ModelNotFoundError reports an unknown registered model name.
type ModelNotFoundError struct {
	Name string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("registered model %q not found", e.Name)
}

// NoVersionsFoundError reports a registered model that exists but has no
// versions to resolve "latest" against.
type NoVersionsFoundError struct {
	Name string
}

func (e *NoVersionsFoundError) Error() string {
	return fmt.Sprintf("registered model %q has no versions", e.Name)
}

// ModelVersionNotFoundError reports a specific model version that does not
// exist.
type ModelVersionNotFoundError struct {
	Name    string
	Version string
}

func (e *ModelVersionNotFoundError) Error() string {
	return fmt.Sprintf("version %q of registered model %q not found", e.Version, e.Name)
}

// InvalidIdentifierError reports a malformed identifier: empty, containing
// path separators, or otherwise unable to name a directory entry. Rejecting
// these up front keeps caller input from escaping the tracking root.
type InvalidIdentifierError struct {
	Kind string
	ID   string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid %s identifier %q", e.Kind, e.ID)
}

// StorageError wraps an I/O failure, lock timeout, or permission problem
// beneath an operation that is otherwise semantically valid.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *StorageError) Unwrap() error {
	return e.Err
}
