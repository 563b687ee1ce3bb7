// Package buildinfo holds version information set at build time:
//
//	go build -ldflags "-X github.com/nerrad567/iotmanager/internal/buildinfo.Version=1.0.0"
package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// String returns a one-line version description.
func String() string {
	return fmt.Sprintf("iotmanager %s (commit=%s, date=%s)", Version, Commit, Date)
}
