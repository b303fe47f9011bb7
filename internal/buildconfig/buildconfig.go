// Package buildconfig carries build metadata stamped at link time:
//
//	go build -ldflags "-X github.com/scribelab/corrigenda/internal/buildconfig.version=v0.3.0 \
//	  -X github.com/scribelab/corrigenda/internal/buildconfig.commit=$(git rev-parse --short HEAD)"
package buildconfig

var (
	version = "dev"
	commit  = "unknown"
)

// Version returns the release version stamped at build time.
func Version() string {
	return version
}

// Commit returns the git commit hash stamped at build time.
func Commit() string {
	return commit
}
