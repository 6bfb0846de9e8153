// Package version carries build metadata injected at link time.
package version

// Version is the gateway version, set via -ldflags at build time.
var Version = "dev"

// Commit is the git commit the binary was built from.
var Commit = "unknown"
