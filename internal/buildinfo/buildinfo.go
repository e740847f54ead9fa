// Package buildinfo exposes version metadata stamped at link time:
//
//	go build -ldflags "-X github.com/nugget/genbridge/internal/buildinfo.Version=v0.3.0"
package buildinfo

import (
	"fmt"
	"runtime"
)

// Set with -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Field is one labelled piece of build metadata.
type Field struct {
	Key   string
	Value string
}

// Fields returns build and runtime metadata in display order.
func Fields() []Field {
	return []Field{
		{"version", Version},
		{"git_commit", GitCommit},
		{"build_time", BuildTime},
		{"go_version", runtime.Version()},
		{"os", runtime.GOOS},
		{"arch", runtime.GOARCH},
	}
}

// Info returns Fields as a map, for JSON output.
func Info() map[string]string {
	fields := Fields()
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Key] = f.Value
	}
	return m
}

// String is the one-line banner.
func String() string {
	return fmt.Sprintf("genbridge %s (%s) built %s", Version, GitCommit, BuildTime)
}

// UserAgent is sent on outbound HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("genbridge/%s (%s/%s)", Version, runtime.GOOS, runtime.GOARCH)
}
