package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gonz4lex/runelog/internal/app"
	"github.com/gonz4lex/runelog/internal/meta"
	"github.com/gonz4lex/runelog/internal/tracker"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

const usageText = `
RuneLog - A lightweight, filesystem-backed ML experiment tracker.

Usage:
  runelog [options] <command> [arguments]

Commands:
  experiments list                                List all experiments.
  experiments get <experiment-id>                 Show one experiment.
  experiments delete <name>                       Delete an experiment and all of its runs.
  runs list <experiment-id>                       List the runs of an experiment.
  runs get <run-id>                               Show a run's params, metrics, and artifacts.
  runs download-artifact <run-id> <artifact>      Copy an artifact out of a run.
  registry list                                   List registered models.
  registry get-versions <model>                   List all versions of a model.
  registry register <run-id> <artifact> <model>   Register a run artifact as a model version.
  registry tag <model> <version>                  Add or remove tags on a model version.

Options:
`

// Run parses args, constructs the application, and dispatches the chosen
// subcommand. Tables go to outW; logs go to errW.
func Run(outW, errW io.Writer, args []string) error {
	flagSet := flag.NewFlagSet("runelog", flag.ContinueOnError)
	flagSet.SetOutput(errW)
	flagSet.Usage = func() {
		fmt.Fprint(errW, usageText)
		flagSet.PrintDefaults()
	}

	rootFlag := flagSet.String("root", "", "Tracking root directory. Defaults to the current directory.")
	configFlag := flagSet.String("config", "", "Path to a runelog.hcl settings file. Defaults to <root>/runelog.hcl.")
	lockTimeoutFlag := flagSet.Duration("lock-timeout", 0, "Bound on lock waits for id and version allocation.")
	logFormatFlag := flagSet.String("log-format", "", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return &ExitError{Code: 2, Message: err.Error()}
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	switch logFormat {
	case "", "text", "json":
		// valid
	default:
		return &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		return &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	cfg := &app.Config{
		Root:        *rootFlag,
		ConfigPath:  *configFlag,
		LockTimeout: *lockTimeoutFlag,
		LogFormat:   logFormat,
		LogLevel:    logLevel,
	}
	a, err := app.NewApp(errW, cfg)
	if err != nil {
		return &ExitError{Code: 1, Message: err.Error()}
	}

	return dispatch(a, outW, rest)
}

// dispatch routes to the command group.
func dispatch(a *app.App, outW io.Writer, args []string) error {
	group, rest := args[0], args[1:]
	switch group {
	case "experiments":
		return experimentsCmd(a, outW, rest)
	case "runs":
		return runsCmd(a, outW, rest)
	case "registry":
		return registryCmd(a, outW, rest)
	default:
		return &ExitError{Code: 2, Message: fmt.Sprintf("unknown command %q", group)}
	}
}

// usageError reports a malformed invocation of a known command.
func usageError(format string, args ...any) error {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

// commandError translates tracker error kinds into terminal failures with
// actionable messages and a non-zero exit status.
func commandError(err error) error {
	if err == nil {
		return nil
	}

	var (
		expNotFound     *tracker.ExperimentNotFoundError
		runNotFound     *tracker.RunNotFoundError
		artNotFound     *tracker.ArtifactNotFoundError
		modelNotFound   *tracker.ModelNotFoundError
		versionNotFound *tracker.ModelVersionNotFoundError
		noVersions      *tracker.NoVersionsFoundError
		invalidID       *tracker.InvalidIdentifierError
		corrupted       *meta.CorruptedMetadataError
		storage         *tracker.StorageError
	)
	switch {
	case errors.As(err, &expNotFound),
		errors.As(err, &runNotFound),
		errors.As(err, &artNotFound),
		errors.As(err, &modelNotFound),
		errors.As(err, &versionNotFound),
		errors.As(err, &noVersions),
		errors.As(err, &invalidID):
		return &ExitError{Code: 1, Message: "Error: " + err.Error()}
	case errors.As(err, &corrupted):
		return &ExitError{Code: 1, Message: "Error: " + err.Error() +
			" (the file exists but cannot be parsed; inspect or remove it)"}
	case errors.As(err, &storage):
		return &ExitError{Code: 1, Message: "Error: " + err.Error()}
	default:
		return &ExitError{Code: 1, Message: "Error: " + err.Error()}
	}
}

// formatTimestamp renders a stored RFC 3339 timestamp for table output.
func formatTimestamp(ts string) string {
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ts
	}
	return parsed.Format("2006-01-02 15:04")
}

// parseTagPair splits a "key=value" CLI argument.
func parseTagPair(pair string) (key, val string, err error) {
	key, val, found := strings.Cut(pair, "=")
	if !found || key == "" {
		return "", "", usageError("invalid tag %q: use 'key=value'", pair)
	}
	return key, val, nil
}

// stringList collects a repeatable string flag.
type stringList []string

// String implements flag.Value.
func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

// Set implements flag.Value.
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}
