// SPDX-License-Identifier: MIT

// cmdarr is a music automation daemon: it discovers artists similar to a
// managed library, mirrors streaming playlists onto a media server and
// serves the import lists a library manager consumes.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cmdarr/cmdarr/internal/daemon"
	"github.com/cmdarr/cmdarr/internal/log"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	dataDir := flag.String("data", "", "data directory (overrides DATA_DIR)")
	configFile := flag.String("config", os.Getenv("CMDARR_CONFIG_FILE"), "optional YAML config overrides file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cmdarr %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return
	}

	d, err := daemon.New(daemon.Options{
		Version:    version,
		DataDir:    *dataDir,
		ConfigFile: *configFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cmdarr: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := daemon.WaitForShutdown()
	defer cancel()

	if err := d.Run(ctx); err != nil {
		logger := log.WithComponent("main")
		logger.Error().Err(err).Str("event", "daemon.fatal").Msg("daemon exited with error")
		os.Exit(1)
	}
}
