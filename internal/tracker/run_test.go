package tracker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gonz4lex/runelog/internal/value"
)

func TestBegin_CreatesRunLayout(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "layout")
	require.NoError(t, err)

	handle, err := tr.Begin(ctx, expID)
	require.NoError(t, err)
	defer handle.End(ctx, StatusFinished)

	require.Len(t, handle.ID(), 8)
	require.Equal(t, expID, handle.ExperimentID())

	runPath := filepath.Join(tr.Root(), ".mlruns", expID, handle.ID())
	require.DirExists(t, filepath.Join(runPath, "params"))
	require.DirExists(t, filepath.Join(runPath, "metrics"))
	require.DirExists(t, filepath.Join(runPath, "artifacts"))

	run, err := tr.GetRun(ctx, handle.ID())
	require.NoError(t, err)
	require.Equal(t, StatusRunning, run.Status)
}

func TestBegin_UnknownExperiment(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	_, err := tr.Begin(context.Background(), "42")

	var notFound *ExperimentNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestBegin_BootstrapsDefaultExperiment(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	handle, err := tr.Begin(ctx, DefaultExperimentID)
	require.NoError(t, err)
	require.NoError(t, handle.End(ctx, StatusFinished))

	exp, err := tr.GetExperiment(ctx, DefaultExperimentID)
	require.NoError(t, err)
	require.Equal(t, DefaultExperimentName, exp.Name)
}

// The default experiment must come back at its fixed id after deletion, even
// when later-allocated ids are still occupied.
func TestBegin_RebootstrapsDefaultAfterDelete(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	// Occupy id 0 with the default experiment and id 1 with another one.
	first, err := tr.Begin(ctx, DefaultExperimentID)
	require.NoError(t, err)
	require.NoError(t, first.End(ctx, StatusFinished))

	otherID, err := tr.GetOrCreateExperiment(ctx, "survivor")
	require.NoError(t, err)
	require.NotEqual(t, DefaultExperimentID, otherID)

	require.NoError(t, tr.DeleteExperiment(ctx, DefaultExperimentName))

	handle, err := tr.Begin(ctx, DefaultExperimentID)
	require.NoError(t, err)
	require.NoError(t, handle.End(ctx, StatusFinished))
	require.Equal(t, DefaultExperimentID, handle.ExperimentID())

	// Id 0 carries the default record again; no stray experiment appeared.
	exp, err := tr.GetExperiment(ctx, DefaultExperimentID)
	require.NoError(t, err)
	require.Equal(t, DefaultExperimentName, exp.Name)

	experiments, err := tr.ListExperiments(ctx)
	require.NoError(t, err)
	require.Len(t, experiments, 2)

	run, err := tr.GetRun(ctx, handle.ID())
	require.NoError(t, err)
	require.Equal(t, DefaultExperimentID, run.ExperimentID)
}

func TestRun_RoundTripLogging(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "round-trip")
	require.NoError(t, err)

	handle, err := tr.Begin(ctx, expID)
	require.NoError(t, err)
	require.NoError(t, handle.LogParam(ctx, "lr", value.Number(0.01)))
	require.NoError(t, handle.LogMetric(ctx, "acc", 0.95))
	require.NoError(t, handle.End(ctx, StatusFinished))

	run, err := tr.GetRun(ctx, handle.ID())
	require.NoError(t, err)
	require.NotNil(t, run)

	require.Equal(t, StatusFinished, run.Status)
	require.Len(t, run.Params, 1)
	lr, ok := value.Float(run.Params["lr"])
	require.True(t, ok)
	require.InDelta(t, 0.01, lr, 1e-12)
	require.Equal(t, map[string]float64{"acc": 0.95}, run.Metrics)
	require.Empty(t, run.Artifacts)
}

func TestRun_LastWriteWinsOnRepeatedKey(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "overwrite")
	require.NoError(t, err)

	handle, err := tr.Begin(ctx, expID)
	require.NoError(t, err)
	require.NoError(t, handle.LogParam(ctx, "optimizer", value.String("sgd")))
	require.NoError(t, handle.LogParam(ctx, "optimizer", value.String("adam")))
	require.NoError(t, handle.LogMetric(ctx, "loss", 1.5))
	require.NoError(t, handle.LogMetric(ctx, "loss", 0.7))
	require.NoError(t, handle.End(ctx, StatusFinished))

	run, err := tr.GetRun(ctx, handle.ID())
	require.NoError(t, err)
	require.Equal(t, "adam", run.Params["optimizer"].AsString())
	require.Equal(t, 0.7, run.Metrics["loss"])
}

func TestRun_ParamRejectsOutsideClosedSet(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "types")
	require.NoError(t, err)

	handle, err := tr.Begin(ctx, expID)
	require.NoError(t, err)
	defer handle.End(ctx, StatusFinished)

	err = handle.LogParam(ctx, "bad", value.Value{})
	require.ErrorIs(t, err, value.ErrUnsupportedValue)
}

func TestRun_LogArtifact(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "artifacts")
	require.NoError(t, err)

	local := filepath.Join(t.TempDir(), "confusion_matrix.png")
	require.NoError(t, os.WriteFile(local, []byte("png-bytes"), 0o644))

	handle, err := tr.Begin(ctx, expID)
	require.NoError(t, err)
	require.NoError(t, handle.LogArtifact(ctx, local))
	require.NoError(t, handle.End(ctx, StatusFinished))

	run, err := tr.GetRun(ctx, handle.ID())
	require.NoError(t, err)
	require.Equal(t, []string{"confusion_matrix.png"}, run.Artifacts)

	stored, err := tr.ArtifactPath(ctx, handle.ID(), "confusion_matrix.png")
	require.NoError(t, err)
	data, err := os.ReadFile(stored)
	require.NoError(t, err)
	require.Equal(t, "png-bytes", string(data))
}

func TestRun_LogArtifactMissingSource(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "missing-artifact")
	require.NoError(t, err)

	handle, err := tr.Begin(ctx, expID)
	require.NoError(t, err)
	defer handle.End(ctx, StatusFinished)

	err = handle.LogArtifact(ctx, filepath.Join(t.TempDir(), "no-such-file.bin"))
	var notFound *ArtifactNotFoundError
	require.ErrorAs(t, err, &notFound)

	// No partial write: the artifact area stays empty.
	run, err := tr.GetRun(ctx, handle.ID())
	require.NoError(t, err)
	require.Empty(t, run.Artifacts)
}

type testModel struct {
	Weights []float64 `msgpack:"weights"`
}

func TestRun_LogModelRoundTrip(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "models")
	require.NoError(t, err)

	handle, err := tr.Begin(ctx, expID)
	require.NoError(t, err)
	require.NoError(t, handle.LogModel(ctx, testModel{Weights: []float64{1, 2}}, "model.bin"))
	require.NoError(t, handle.End(ctx, StatusFinished))

	run, err := tr.GetRun(ctx, handle.ID())
	require.NoError(t, err)
	require.Equal(t, []string{"model.bin"}, run.Artifacts)
}

func TestRunHandle_EndIsIdempotent(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "idempotent-end")
	require.NoError(t, err)

	handle, err := tr.Begin(ctx, expID)
	require.NoError(t, err)
	require.NoError(t, handle.End(ctx, StatusFailed))

	// Second End is a no-op and must not overwrite the first status.
	require.NoError(t, handle.End(ctx, StatusFinished))

	run, err := tr.GetRun(ctx, handle.ID())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, run.Status)
}

func TestRunHandle_LoggingAfterEndFails(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "closed-handle")
	require.NoError(t, err)

	handle, err := tr.Begin(ctx, expID)
	require.NoError(t, err)
	require.NoError(t, handle.End(ctx, StatusFinished))

	require.ErrorIs(t, handle.LogParam(ctx, "late", value.String("x")), ErrRunClosed)
	require.ErrorIs(t, handle.LogMetric(ctx, "late", 1), ErrRunClosed)
	require.ErrorIs(t, handle.LogArtifact(ctx, "whatever"), ErrRunClosed)
	require.ErrorIs(t, handle.LogModel(ctx, testModel{}, "m.bin"), ErrRunClosed)
}

func TestRunHandle_RejectsNonTerminalStatus(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "bad-status")
	require.NoError(t, err)

	handle, err := tr.Begin(ctx, expID)
	require.NoError(t, err)
	defer handle.End(ctx, StatusFinished)

	require.Error(t, handle.End(ctx, StatusRunning))
}

func TestWithRun_MarksFinishedOnSuccess(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "with-run-ok")
	require.NoError(t, err)

	var runID string
	err = tr.WithRun(ctx, expID, func(ctx context.Context, run *RunHandle) error {
		runID = run.ID()
		return run.LogMetric(ctx, "acc", 0.9)
	})
	require.NoError(t, err)

	run, err := tr.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, StatusFinished, run.Status)
}

func TestWithRun_MarksFailedOnError(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "with-run-err")
	require.NoError(t, err)

	boom := errors.New("diverged")
	var runID string
	err = tr.WithRun(ctx, expID, func(ctx context.Context, run *RunHandle) error {
		runID = run.ID()
		return boom
	})
	require.ErrorIs(t, err, boom)

	run, err := tr.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, run.Status)
}

func TestWithRun_MarksFailedOnPanic(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "with-run-panic")
	require.NoError(t, err)

	var runID string
	require.Panics(t, func() {
		_ = tr.WithRun(ctx, expID, func(ctx context.Context, run *RunHandle) error {
			runID = run.ID()
			panic("cuda out of memory")
		})
	})

	run, err := tr.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, run.Status)
}

func TestGetRun_UnknownIDReturnsAbsent(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)

	run, err := tr.GetRun(context.Background(), "deadbeef")
	require.NoError(t, err)
	require.Nil(t, run, "unknown run is an absent result, not an error")
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "listing")
	require.NoError(t, err)

	var want []string
	for i := 0; i < 3; i++ {
		handle, err := tr.Begin(ctx, expID)
		require.NoError(t, err)
		require.NoError(t, handle.End(ctx, StatusFinished))
		want = append(want, handle.ID())
	}

	runs, err := tr.ListRuns(ctx, expID)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, info := range runs {
		require.Contains(t, want, info.ID)
		require.Equal(t, StatusFinished, info.Status)
	}

	_, err = tr.ListRuns(ctx, "77")
	var notFound *ExperimentNotFoundError
	require.ErrorAs(t, err, &notFound)
}

// Handles opened concurrently across goroutines must get unique run ids and
// never cross-contaminate state: no shared "active run" anywhere.
func TestBegin_ConcurrentHandlesAreIndependent(t *testing.T) {
	t.Parallel()

	tr := newTestTracker(t)
	ctx := context.Background()

	expID, err := tr.GetOrCreateExperiment(ctx, "concurrent")
	require.NoError(t, err)

	const workers = 8
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle, err := tr.Begin(ctx, expID)
			if !assert.NoError(t, err) {
				return
			}
			ids[i] = handle.ID()
			assert.NoError(t, handle.LogMetric(ctx, "worker", float64(i)))
			assert.NoError(t, handle.End(ctx, StatusFinished))
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i, id := range ids {
		require.NotEmpty(t, id)
		require.False(t, seen[id], "run id %q allocated twice", id)
		seen[id] = true

		run, err := tr.GetRun(ctx, id)
		require.NoError(t, err)
		require.Equal(t, float64(i), run.Metrics["worker"])
	}
}
