// Package version defines chatsync version information and build metadata.
//
// Build metadata (CommitHash) should be set using -ldflags during
// compilation.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// CommitHash stores the current git commit hash of this build.
//
// This should be set using -ldflags during compilation.
var CommitHash string

// semanticAlphabet is the allowed characters from the semantic versioning
// guidelines for pre-release version and build metadata strings.
const semanticAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

// These constants define the application version and follow semantic
// versioning 2.0.0 (https://semver.org/).
const (
	appMajor uint = 0
	appMinor uint = 3
	appPatch uint = 0

	// appPreRelease MUST only contain characters from semanticAlphabet.
	appPreRelease = ""
)

// Version returns the application version as a semantic version string.
func Version() string {
	return semanticVersion(appPreRelease)
}

// RichVersion returns the semantic version along with best-effort git
// metadata. Without an -ldflags commit it falls back to the VCS revision the
// Go toolchain embedded.
func RichVersion() string {
	version := Version()
	commit := strings.TrimSpace(CommitHash)
	if commit == "" {
		commit = vcsRevision()
	}
	if commit == "" {
		return version
	}
	return fmt.Sprintf("%s commit_hash=%s", version, commit)
}

func vcsRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	var rev string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			rev = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if rev != "" && dirty {
		rev += "-dirty"
	}
	return rev
}

func semanticVersion(preRelease string) string {
	version := fmt.Sprintf("%d.%d.%d", appMajor, appMinor, appPatch)
	if pre := normalizeVerString(preRelease, semanticAlphabet); pre != "" {
		version = fmt.Sprintf("%s-%s", version, pre)
	}
	return version
}

// normalizeVerString strips characters not present in alphabet.
func normalizeVerString(str string, alphabet string) string {
	var b strings.Builder
	for _, r := range str {
		if strings.ContainsRune(alphabet, r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
