// rescale-upload - bounded-concurrency multipart file uploader
package main

import (
	"os"

	"github.com/rescale/rescale-upload/internal/cli"
	"github.com/rescale/rescale-upload/internal/version"
)

// Version information, set by ldflags
var (
	Version   = "v0.3.0-dev"
	BuildTime = "unknown"
)

func main() {
	// Set version in version package (canonical source for all packages)
	version.Version = Version
	version.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
