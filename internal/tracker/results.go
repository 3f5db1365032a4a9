package tracker

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gonz4lex/runelog/internal/fsutil"
	"github.com/gonz4lex/runelog/internal/value"
)

// ParamColumnPrefix namespaces parameter columns in a result table so a
// param and a metric sharing a key cannot collide.
const ParamColumnPrefix = "param_"

// ResultTable is the flattened, uniform view of every run in one
// experiment: one row per run, columns the union of all params (prefixed)
// and metrics across runs.
type ResultTable struct {
	// Columns is the sorted union of all column names.
	Columns []string
	// Rows is sorted by run id ascending.
	Rows []ResultRow
}

// ResultRow is one run's cells, keyed by column name. A run that never
// logged a given column simply has no entry for it.
type ResultRow struct {
	RunID string
	Cells map[string]value.Value
}

// Empty reports whether the table has no rows.
func (t *ResultTable) Empty() bool {
	return len(t.Rows) == 0
}

// Cell returns the value at (runID, column), with ok reporting presence.
func (t *ResultTable) Cell(runID, column string) (value.Value, bool) {
	for _, row := range t.Rows {
		if row.RunID == runID {
			v, ok := row.Cells[column]
			return v, ok
		}
	}
	return value.Value{}, false
}

// LoadResults flattens every run under an experiment into a ResultTable for
// comparison. An experiment with zero runs yields an empty table; an
// unknown experiment id is an error. Runs that vanished between enumeration
// and load are skipped.
func (t *Tracker) LoadResults(ctx context.Context, experimentID string) (*ResultTable, error) {
	if err := validateID("experiment", experimentID); err != nil {
		return nil, err
	}

	expPath := filepath.Join(t.mlrunsDir, experimentID)
	if _, err := os.Stat(expPath); errors.Is(err, fs.ErrNotExist) {
		return nil, &ExperimentNotFoundError{Ref: experimentID}
	} else if err != nil {
		return nil, &StorageError{Op: "results load", Err: err}
	}

	runIDs, err := fsutil.Dirs(expPath)
	if err != nil {
		return nil, &StorageError{Op: "results load", Err: err}
	}

	columns := map[string]struct{}{}
	var rows []ResultRow
	for _, runID := range runIDs {
		if strings.HasPrefix(runID, ".") {
			continue
		}
		run, err := t.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			continue
		}

		cells := make(map[string]value.Value, len(run.Params)+len(run.Metrics))
		for key, v := range run.Params {
			column := ParamColumnPrefix + key
			cells[column] = v
			columns[column] = struct{}{}
		}
		for key, metric := range run.Metrics {
			cells[key] = value.Number(metric)
			columns[key] = struct{}{}
		}
		rows = append(rows, ResultRow{RunID: run.ID, Cells: cells})
	}

	table := &ResultTable{Rows: rows}
	for column := range columns {
		table.Columns = append(table.Columns, column)
	}
	sort.Strings(table.Columns)
	sort.Slice(table.Rows, func(i, j int) bool {
		return table.Rows[i].RunID < table.Rows[j].RunID
	})

	t.logger(ctx).Debug("Loaded results.", "experiment_id", experimentID,
		"rows", len(table.Rows), "columns", len(table.Columns))
	return table, nil
}
