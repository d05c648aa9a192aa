package contracts

import (
	"fmt"
	"runtime"
)

const (
	// Version is the current version of the licensing service and client
	Version = "1.0.0"

	// APIVersion is the version of the HTTP entitlement API
	APIVersion = "v1"
)

var (
	// BuildTime is set during build using ldflags
	BuildTime = "unknown"

	// GitCommit is set during build using ldflags
	GitCommit = "unknown"
)

// VersionInfo contains detailed version information
type VersionInfo struct {
	Version      string `json:"version"`
	APIVersion   string `json:"apiVersion"`
	BuildTime    string `json:"buildTime"`
	GitCommit    string `json:"gitCommit"`
	GoVersion    string `json:"goVersion"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
}

// GetVersionInfo returns detailed version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:      Version,
		APIVersion:   APIVersion,
		BuildTime:    BuildTime,
		GitCommit:    GitCommit,
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}
}

// GetFullVersionString returns a detailed version string for CLI output
func GetFullVersionString() string {
	info := GetVersionInfo()
	return fmt.Sprintf("%s (api: %s, built: %s, commit: %s, go: %s, os: %s/%s)",
		info.Version, info.APIVersion, info.BuildTime, info.GitCommit,
		info.GoVersion, info.OS, info.Architecture)
}
