package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/heatpilot/heatpilot/internal/app"
	"github.com/heatpilot/heatpilot/internal/constants"
	"github.com/heatpilot/heatpilot/internal/log"
)

func main() {
	profilesDir := flag.String("profiles", "profiles", "Directory with house entity records (JSON)")
	buildingsDir := flag.String("buildings", "buildings", "Directory with building entity records (JSON)")
	energyDir := flag.String("energy", "energy", "Directory with the metered-energy inbox/archive folders")
	listen := flag.String("listen", "", "Metrics/health listen address (e.g. :9090), empty to disable")
	logFile := flag.String("logfile", "", "Also log to this file, size-rotated")
	debug := flag.Bool("debug", false, "Turn on debugging output")
	dryRun := flag.Bool("dry-run", false, "Compute learned values but never write them back to entity records")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("heatpilot %s\n", constants.Version)
		os.Exit(0)
	}

	// Set up logging
	if err := log.Init(*debug, *logFile); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	offset, err := pollOffset()
	if err != nil {
		log.Errorf("Invalid POLL_OFFSET_SECONDS: %v", err)
		os.Exit(1)
	}

	application := app.New(app.Options{
		ProfilesDir:  *profilesDir,
		BuildingsDir: *buildingsDir,
		EnergyDir:    *energyDir,
		ListenAddr:   *listen,
		DryRun:       *dryRun,
		PollOffset:   offset,
	}, log.GetSugaredLogger())

	if err := application.Run(context.Background()); err != nil {
		log.Errorf("Application error: %v", err)
		os.Exit(1)
	}
}

// pollOffset reads the optional global tick offset, applied on top of
// each entity's deterministic jitter.
func pollOffset() (time.Duration, error) {
	raw := os.Getenv("POLL_OFFSET_SECONDS")
	if raw == "" {
		return 0, nil
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if seconds < 0 {
		return 0, fmt.Errorf("offset must be >= 0, got %d", seconds)
	}
	return time.Duration(seconds) * time.Second, nil
}
