// Package buildinfo provides build information for tablesnap.
//
// Version, Commit and BuildTime are injected via ldflags:
//
//	go build -ldflags "-X .../buildinfo.Version=1.0.0 -X .../buildinfo.Commit=abc123"
//
// The Go version and platform come from the runtime.
package buildinfo
