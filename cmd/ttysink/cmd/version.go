package cmd

import (
	"fmt"
	"runtime"
)

// Set via ldflags at build time
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func versionStanza() string {
	return fmt.Sprintf(
		"ttysink Version: %v\nGit SHA: %v\nGo Version: %v\nGo OS/Arch: %v/%v\nBuilt at: %v",
		Version, Commit, runtime.Version(), runtime.GOOS, runtime.GOARCH, BuildDate,
	)
}
