package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/gonz4lex/runelog/internal/app"
	"github.com/gonz4lex/runelog/internal/tracker"
	"github.com/gonz4lex/runelog/internal/value"
)

// experimentsCmd handles the 'experiments' command group.
func experimentsCmd(a *app.App, outW io.Writer, args []string) error {
	if len(args) == 0 {
		return usageError("usage: runelog experiments <list|get|delete>")
	}
	verb, rest := args[0], args[1:]
	ctx := a.Context()

	switch verb {
	case "list":
		experiments, err := a.Tracker().ListExperiments(ctx)
		if err != nil {
			return commandError(err)
		}
		tw := newTable(outW)
		fmt.Fprintln(tw, "ID\tNAME")
		for _, exp := range experiments {
			fmt.Fprintf(tw, "%s\t%s\n", exp.ID, exp.Name)
		}
		return tw.Flush()

	case "get":
		if len(rest) != 1 {
			return usageError("usage: runelog experiments get <experiment-id>")
		}
		exp, err := a.Tracker().GetExperiment(ctx, rest[0])
		if err != nil {
			return commandError(err)
		}
		fmt.Fprintf(outW, "ID:   %s\n", exp.ID)
		fmt.Fprintf(outW, "Name: %s\n", exp.Name)
		return nil

	case "delete":
		if len(rest) != 1 {
			return usageError("usage: runelog experiments delete <name>")
		}
		if err := a.Tracker().DeleteExperiment(ctx, rest[0]); err != nil {
			return commandError(err)
		}
		fmt.Fprintf(outW, "Deleted experiment %q and all of its runs.\n", rest[0])
		return nil

	default:
		return usageError("unknown experiments command %q", verb)
	}
}

// runsCmd handles the 'runs' command group.
func runsCmd(a *app.App, outW io.Writer, args []string) error {
	if len(args) == 0 {
		return usageError("usage: runelog runs <list|get|download-artifact>")
	}
	verb, rest := args[0], args[1:]
	ctx := a.Context()

	switch verb {
	case "list":
		if len(rest) != 1 {
			return usageError("usage: runelog runs list <experiment-id>")
		}
		runs, err := a.Tracker().ListRuns(ctx, rest[0])
		if err != nil {
			return commandError(err)
		}
		tw := newTable(outW)
		fmt.Fprintln(tw, "RUN ID\tEXPERIMENT\tSTATUS")
		for _, info := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", info.ID, info.ExperimentID, info.Status)
		}
		return tw.Flush()

	case "get":
		if len(rest) != 1 {
			return usageError("usage: runelog runs get <run-id>")
		}
		run, err := a.Tracker().GetRun(ctx, rest[0])
		if err != nil {
			return commandError(err)
		}
		if run == nil {
			return &ExitError{Code: 1, Message: fmt.Sprintf("Error: run %q not found", rest[0])}
		}
		return printRun(outW, run)

	case "download-artifact":
		return downloadArtifactCmd(a, outW, rest)

	default:
		return usageError("unknown runs command %q", verb)
	}
}

// downloadArtifactCmd copies a run artifact into a local directory.
func downloadArtifactCmd(a *app.App, outW io.Writer, args []string) error {
	flagSet := flag.NewFlagSet("download-artifact", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	outDir := flagSet.String("o", ".", "Destination directory.")
	if err := flagSet.Parse(args); err != nil {
		return usageError("usage: runelog runs download-artifact <run-id> <artifact> [-o dir]")
	}
	rest := flagSet.Args()
	if len(rest) != 2 {
		return usageError("usage: runelog runs download-artifact <run-id> <artifact> [-o dir]")
	}
	runID, artifact := rest[0], rest[1]

	src, err := a.Tracker().ArtifactPath(a.Context(), runID, artifact)
	if err != nil {
		return commandError(err)
	}

	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		return commandError(err)
	}
	dst := filepath.Join(*outDir, filepath.Base(artifact))
	if err := copyFile(src, dst); err != nil {
		return commandError(err)
	}
	fmt.Fprintf(outW, "Downloaded %s to %s\n", artifact, dst)
	return nil
}

// printRun renders a single run's details.
func printRun(outW io.Writer, run *tracker.Run) error {
	fmt.Fprintf(outW, "Run:        %s\n", run.ID)
	fmt.Fprintf(outW, "Experiment: %s\n", run.ExperimentID)
	fmt.Fprintf(outW, "Status:     %s\n", run.Status)

	if len(run.Params) > 0 {
		fmt.Fprintln(outW, "\nParameters:")
		tw := newTable(outW)
		for _, key := range sortedKeys(run.Params) {
			fmt.Fprintf(tw, "  %s\t%s\n", key, value.Render(run.Params[key]))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(run.Metrics) > 0 {
		fmt.Fprintln(outW, "\nMetrics:")
		tw := newTable(outW)
		for _, key := range sortedKeys(run.Metrics) {
			fmt.Fprintf(tw, "  %s\t%g\n", key, run.Metrics[key])
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(run.Artifacts) > 0 {
		fmt.Fprintln(outW, "\nArtifacts:")
		for _, name := range run.Artifacts {
			fmt.Fprintf(outW, "  %s\n", name)
		}
	}
	return nil
}

// registryCmd handles the 'registry' command group.
func registryCmd(a *app.App, outW io.Writer, args []string) error {
	if len(args) == 0 {
		return usageError("usage: runelog registry <list|get-versions|register|tag>")
	}
	verb, rest := args[0], args[1:]

	switch verb {
	case "list":
		return registryListCmd(a, outW)
	case "get-versions":
		if len(rest) != 1 {
			return usageError("usage: runelog registry get-versions <model>")
		}
		return registryVersionsCmd(a, outW, rest[0])
	case "register":
		return registryRegisterCmd(a, outW, rest)
	case "tag":
		return registryTagCmd(a, outW, rest)
	default:
		return usageError("unknown registry command %q", verb)
	}
}

// registryListCmd renders the registry overview: every model with its latest
// version, registration time, and tags.
func registryListCmd(a *app.App, outW io.Writer) error {
	ctx := a.Context()
	models, err := a.Tracker().ListRegisteredModels(ctx)
	if err != nil {
		return commandError(err)
	}

	tw := newTable(outW)
	fmt.Fprintln(tw, "MODEL\tLATEST\tREGISTERED ON\tTAGS")
	for _, name := range models {
		versions, err := a.Tracker().GetModelVersions(ctx, name)
		if err != nil {
			return commandError(err)
		}
		if len(versions) == 0 {
			fmt.Fprintf(tw, "%s\t-\t-\t-\n", name)
			continue
		}
		latest := versions[0]
		fmt.Fprintf(tw, "%s\tv%d\t%s\t%s\n",
			name, latest.Version, formatTimestamp(latest.RegistrationTimestamp), formatTags(latest.Tags))
	}
	return tw.Flush()
}

// registryVersionsCmd renders every version of one model, newest first.
func registryVersionsCmd(a *app.App, outW io.Writer, modelName string) error {
	versions, err := a.Tracker().GetModelVersions(a.Context(), modelName)
	if err != nil {
		return commandError(err)
	}
	tw := newTable(outW)
	fmt.Fprintln(tw, "VERSION\tSOURCE RUN\tREGISTERED ON\tTAGS")
	for _, v := range versions {
		fmt.Fprintf(tw, "v%d\t%s\t%s\t%s\n",
			v.Version, v.SourceRunID, formatTimestamp(v.RegistrationTimestamp), formatTags(v.Tags))
	}
	return tw.Flush()
}

// registryRegisterCmd promotes a run artifact into the model registry.
func registryRegisterCmd(a *app.App, outW io.Writer, args []string) error {
	flagSet := flag.NewFlagSet("register", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var tagFlags stringList
	flagSet.Var(&tagFlags, "tag", "Tag to attach, as 'key=value'. Repeatable.")
	if err := flagSet.Parse(args); err != nil {
		return usageError("usage: runelog registry register <run-id> <artifact> <model> [-tag key=value]")
	}
	rest := flagSet.Args()
	if len(rest) != 3 {
		return usageError("usage: runelog registry register <run-id> <artifact> <model> [-tag key=value]")
	}
	runID, artifact, modelName := rest[0], rest[1], rest[2]

	tags := make(map[string]string, len(tagFlags))
	for _, pair := range tagFlags {
		key, val, err := parseTagPair(pair)
		if err != nil {
			return err
		}
		tags[key] = val
	}

	version, err := a.Tracker().RegisterModel(a.Context(), runID, artifact, modelName, tags)
	if err != nil {
		return commandError(err)
	}
	fmt.Fprintf(outW, "Registered %s version %d from run %s.\n", modelName, version, runID)
	return nil
}

// registryTagCmd adds and removes tags on a model version.
func registryTagCmd(a *app.App, outW io.Writer, args []string) error {
	flagSet := flag.NewFlagSet("tag", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	var addFlags, removeFlags stringList
	flagSet.Var(&addFlags, "add", "Tag to add or update, as 'key=value'. Repeatable.")
	flagSet.Var(&removeFlags, "remove", "Tag key to remove. Repeatable.")
	if err := flagSet.Parse(args); err != nil {
		return usageError("usage: runelog registry tag <model> <version> [-add key=value] [-remove key]")
	}
	rest := flagSet.Args()
	if len(rest) != 2 {
		return usageError("usage: runelog registry tag <model> <version> [-add key=value] [-remove key]")
	}
	if len(addFlags) == 0 && len(removeFlags) == 0 {
		return usageError("registry tag: nothing to do, pass -add or -remove")
	}
	modelName, version := rest[0], rest[1]
	ctx := a.Context()

	if len(addFlags) > 0 {
		tags := make(map[string]string, len(addFlags))
		for _, pair := range addFlags {
			key, val, err := parseTagPair(pair)
			if err != nil {
				return err
			}
			tags[key] = val
		}
		if err := a.Tracker().SetModelTags(ctx, modelName, version, tags); err != nil {
			return commandError(err)
		}
	}
	if len(removeFlags) > 0 {
		if err := a.Tracker().RemoveModelTags(ctx, modelName, version, removeFlags...); err != nil {
			return commandError(err)
		}
	}

	tags, err := a.Tracker().GetModelTags(ctx, modelName, version)
	if err != nil {
		return commandError(err)
	}
	fmt.Fprintf(outW, "Tags for %s %s: %s\n", modelName, version, formatTags(tags))
	return nil
}

// newTable returns a tabwriter configured for aligned plain-text output.
func newTable(outW io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(outW, 0, 4, 2, ' ', 0)
}

// formatTags renders a tag map as sorted 'key=value' pairs.
func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "-"
	}
	pairs := make([]string, 0, len(tags))
	for _, key := range sortedKeys(tags) {
		pairs = append(pairs, key+"="+tags[key])
	}
	return strings.Join(pairs, " ")
}

// sortedKeys returns the map's keys in ascending order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// copyFile copies src to dst, truncating dst if it exists.
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
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
