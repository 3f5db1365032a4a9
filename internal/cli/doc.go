// Package cli is responsible for parsing command-line arguments, validating
// user input, and handling process-level concerns like exit codes. It
// translates tracker results into tables on stdout and tracker errors into
// actionable messages with a non-zero exit status.
package cli
