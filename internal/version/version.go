// Package version provides build and version information for fleetcore.
package version

// Version is the current release version of fleetcore.
// This can be overridden at build time using:
//
//	go build -ldflags "-X github.com/fleetworks/fleetcore/internal/version.Version=x.y.z"
var Version = "1.0.0"
