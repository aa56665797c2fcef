// Package version exposes the daemon version derived from build metadata.
//
// Priority: -ldflags override > VCS info from debug.BuildInfo > "dev" fallback.
package version

import "runtime/debug"

// AppName is the daemon name used in version strings, the PID file header,
// and health replies.
const AppName = "hubd"

// gitCommitOverride is set via -ldflags for builds where .git is unavailable.
var gitCommitOverride string

// GitCommit is the short git commit hash (8 chars) from build info, or "dev"
// when build info is unavailable (e.g. `go test`, non-git builds).
var GitCommit = initGitCommit()

func initGitCommit() string {
	if gitCommitOverride != "" {
		return shorten(gitCommitOverride)
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && s.Value != "" {
			return shorten(s.Value)
		}
	}
	return "dev"
}

func shorten(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

// Full returns "hubd/<commit>" for logs and health replies.
func Full() string {
	return AppName + "/" + GitCommit
}
