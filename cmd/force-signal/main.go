// force-signal writes a timed override to a BMS point and lets the
// system release it automatically. Operator tool; the polling loop
// never writes to the BMS.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/bms/factory"
	"github.com/heatpilot/heatpilot/pkg/config"
)

// valueForcer is implemented by adapters with a timed-force command
// (currently EBO only).
type valueForcer interface {
	ForceValue(ctx context.Context, path string, value float64, duration time.Duration) error
}

func main() {
	profilesDir := flag.String("profiles", "profiles", "Directory with house entity records")
	buildingsDir := flag.String("buildings", "buildings", "Directory with building entity records")
	entityID := flag.String("entity", "", "Entity ID (required)")
	path := flag.String("path", "", "BMS point path to force (required)")
	value := flag.Float64("value", 0, "Value to force")
	release := flag.Duration("release", time.Hour, "Auto-release the override after this duration")
	flag.Parse()

	if *entityID == "" || *path == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -entity <id> -path <point> -value <v> [-release 1h]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	provider := config.NewProvider(*profilesDir, *buildingsDir)
	entity, _, err := provider.LoadByID(*entityID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading entity: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.ResolveCredentials(entity, "", "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving credentials: %v\n", err)
		os.Exit(1)
	}

	adapter, err := factory.New(entity, creds, zap.NewNop().Sugar())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building adapter: %v\n", err)
		os.Exit(1)
	}

	forcer, ok := adapter.(valueForcer)
	if !ok {
		fmt.Fprintf(os.Stderr, "The %s adapter does not support forced values\n", entity.Connection.System)
		os.Exit(1)
	}

	ctx := context.Background()
	defer adapter.Close(ctx)

	if err := forcer.ForceValue(ctx, *path, *value, *release); err != nil {
		fmt.Fprintf(os.Stderr, "Error forcing value: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Forced %s = %g on %s, releasing after %s\n", *path, *value, entity.ID(), *release)
}
