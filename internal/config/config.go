// Package config loads the optional runelog.hcl settings file. The file
// lives in the tracking root (or wherever -config points) and provides
// defaults for anything not set on the command line; flags always win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// DefaultFileName is the settings file looked up in the tracking root when
// no -config flag is given.
const DefaultFileName = "runelog.hcl"

// File is the parsed shape of runelog.hcl. Every attribute is optional.
type File struct {
	// Root is the tracking root directory.
	Root string `hcl:"root,optional"`
	// LockTimeout bounds lock waits for shared-counter updates, as a
	// Go duration string such as "5s".
	LockTimeout string `hcl:"lock_timeout,optional"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `hcl:"log_level,optional"`
	// LogFormat is either text or json.
	LogFormat string `hcl:"log_format,optional"`
}

// Load parses the settings file at path. A missing file is not an error;
// it yields an empty File so flag and built-in defaults apply.
func Load(path string) (*File, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return &File{}, nil
	}

	parser := hclparse.NewParser()
	hclFile, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %q: %w", path, diags)
	}

	var cfg File
	if diags := gohcl.DecodeBody(hclFile.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode %q: %w", path, diags)
	}
	return &cfg, nil
}

// LockTimeoutDuration parses the lock_timeout attribute. Zero means unset.
func (f *File) LockTimeoutDuration() (time.Duration, error) {
	if f.LockTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(f.LockTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid lock_timeout %q: %w", f.LockTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid lock_timeout %q: must be positive", f.LockTimeout)
	}
	return d, nil
}
