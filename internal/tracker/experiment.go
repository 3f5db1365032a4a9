package tracker

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gonz4lex/runelog/internal/fsutil"
	"github.com/gonz4lex/runelog/internal/meta"
)

// DefaultExperimentID is the experiment runs land in when the caller never
// created one explicitly.
const DefaultExperimentID = "0"

// DefaultExperimentName is the name of the bootstrap experiment.
const DefaultExperimentName = "default"

// Experiment is a named grouping of runs. Both fields are immutable after
// creation.
type Experiment struct {
	ID   string `json:"experiment_id"`
	Name string `json:"name"`
}

// GetOrCreateExperiment returns the id of the experiment named name,
// creating it first if no experiment has that name. The call is idempotent:
// repeated calls with one name always return one id.
//
// Name lookup and id allocation both happen under the root lock. The id is
// reserved by an exclusive os.Mkdir probed upward from the current entry
// count, so two processes can never claim the same id even if one of them
// crashed halfway through a previous allocation.
func (t *Tracker) GetOrCreateExperiment(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", &InvalidIdentifierError{Kind: "experiment name", ID: name}
	}

	lock, err := t.rootLock(ctx, "experiment creation")
	if err != nil {
		return "", err
	}
	defer lock.Release()

	if exp, err := t.findExperimentByName(ctx, name); err != nil {
		return "", err
	} else if exp != nil {
		return exp.ID, nil
	}

	ids, err := fsutil.Dirs(t.mlrunsDir)
	if err != nil {
		return "", &StorageError{Op: "experiment scan", Err: err}
	}

	// Probe upward from the entry count until an exclusive create wins.
	// Under the lock this succeeds on the first or second try; the loop
	// only absorbs leftovers from interrupted historical allocations.
	next := len(ids)
	for {
		id := strconv.Itoa(next)
		err := os.Mkdir(filepath.Join(t.mlrunsDir, id), 0o755)
		if errors.Is(err, fs.ErrExist) {
			next++
			continue
		}
		if err != nil {
			return "", &StorageError{Op: "experiment creation", Err: err}
		}

		record := Experiment{ID: id, Name: name}
		if err := meta.Write(filepath.Join(t.mlrunsDir, id, metaFileName), record); err != nil {
			return "", &StorageError{Op: "experiment creation", Err: err}
		}
		t.logger(ctx).Debug("Created experiment.", "experiment_id", id, "name", name)
		return id, nil
	}
}

// ensureDefaultExperiment re-establishes the default experiment at its fixed
// id. GetOrCreateExperiment cannot serve this: it allocates the next free id,
// and the default is the one experiment that must always live at id 0, even
// after a delete while higher ids remain occupied.
func (t *Tracker) ensureDefaultExperiment(ctx context.Context) error {
	lock, err := t.rootLock(ctx, "default experiment bootstrap")
	if err != nil {
		return err
	}
	defer lock.Release()

	path := filepath.Join(t.mlrunsDir, DefaultExperimentID)
	if err := os.Mkdir(path, 0o755); errors.Is(err, fs.ErrExist) {
		return nil
	} else if err != nil {
		return &StorageError{Op: "default experiment bootstrap", Err: err}
	}

	record := Experiment{ID: DefaultExperimentID, Name: DefaultExperimentName}
	if err := meta.Write(filepath.Join(path, metaFileName), record); err != nil {
		return &StorageError{Op: "default experiment bootstrap", Err: err}
	}
	t.logger(ctx).Debug("Bootstrapped default experiment.")
	return nil
}

// ListExperiments enumerates all valid experiment records. Entries with a
// missing or unparsable meta.json are skipped rather than failing the whole
// listing; a single damaged directory must not hide every other experiment.
func (t *Tracker) ListExperiments(ctx context.Context) ([]Experiment, error) {
	ids, err := fsutil.Dirs(t.mlrunsDir)
	if err != nil {
		return nil, &StorageError{Op: "experiment listing", Err: err}
	}

	var experiments []Experiment
	for _, id := range ids {
		if strings.HasPrefix(id, ".") {
			continue
		}
		var exp Experiment
		err := meta.Read(filepath.Join(t.mlrunsDir, id, metaFileName), &exp)
		if err != nil {
			t.logger(ctx).Debug("Skipping unreadable experiment entry.", "experiment_id", id, "error", err)
			continue
		}
		experiments = append(experiments, exp)
	}
	return experiments, nil
}

// GetExperiment loads a single experiment record by id.
func (t *Tracker) GetExperiment(ctx context.Context, experimentID string) (*Experiment, error) {
	if err := validateID("experiment", experimentID); err != nil {
		return nil, err
	}

	var exp Experiment
	err := meta.Read(filepath.Join(t.mlrunsDir, experimentID, metaFileName), &exp)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &ExperimentNotFoundError{Ref: experimentID}
	}
	if err != nil {
		return nil, err
	}
	return &exp, nil
}

// DeleteExperiment removes the experiment named name and all of its runs.
// The removal is irreversible.
func (t *Tracker) DeleteExperiment(ctx context.Context, name string) error {
	lock, err := t.rootLock(ctx, "experiment deletion")
	if err != nil {
		return err
	}
	defer lock.Release()

	exp, err := t.findExperimentByName(ctx, name)
	if err != nil {
		return err
	}
	if exp == nil {
		return &ExperimentNotFoundError{Ref: name}
	}

	if err := os.RemoveAll(filepath.Join(t.mlrunsDir, exp.ID)); err != nil {
		return &StorageError{Op: "experiment deletion", Err: err}
	}
	t.logger(ctx).Debug("Deleted experiment and all runs.", "experiment_id", exp.ID, "name", name)
	return nil
}

// findExperimentByName scans experiment records for a matching name,
// skipping damaged entries. Returns nil without error when no record
// matches.
func (t *Tracker) findExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	ids, err := fsutil.Dirs(t.mlrunsDir)
	if err != nil {
		return nil, &StorageError{Op: "experiment scan", Err: err}
	}
	for _, id := range ids {
		if strings.HasPrefix(id, ".") {
			continue
		}
		var exp Experiment
		if err := meta.Read(filepath.Join(t.mlrunsDir, id, metaFileName), &exp); err != nil {
			continue
		}
		if exp.Name == name {
			return &exp, nil
		}
	}
	return nil, nil
}
