// signal-scan connects to an entity's BMS and lists the signals it
// exposes. Used during onboarding to fill in the record's signal_map.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"go.uber.org/zap"

	"github.com/heatpilot/heatpilot/internal/bms"
	"github.com/heatpilot/heatpilot/internal/bms/factory"
	"github.com/heatpilot/heatpilot/pkg/config"
)

func main() {
	profilesDir := flag.String("profiles", "profiles", "Directory with house entity records")
	buildingsDir := flag.String("buildings", "buildings", "Directory with building entity records")
	entityID := flag.String("entity", "", "Entity ID to scan (required)")
	username := flag.String("username", "", "Override BMS username")
	password := flag.String("password", "", "Override BMS password")
	flag.Parse()

	if *entityID == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -entity <id> [-profiles dir] [-buildings dir]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	provider := config.NewProvider(*profilesDir, *buildingsDir)
	entity, _, err := provider.LoadByID(*entityID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading entity: %v\n", err)
		os.Exit(1)
	}

	creds, err := config.ResolveCredentials(entity, *username, *password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error resolving credentials: %v\n", err)
		os.Exit(1)
	}

	adapter, err := factory.New(entity, creds, zap.NewNop().Sugar())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building adapter: %v\n", err)
		os.Exit(1)
	}

	lister, ok := adapter.(bms.SignalLister)
	if !ok {
		fmt.Fprintf(os.Stderr, "The %s adapter does not support signal discovery\n", entity.Connection.System)
		os.Exit(1)
	}

	ctx := context.Background()
	defer adapter.Close(ctx)

	signals, err := lister.ListSignals(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing signals: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SIGNAL ID\tNAME\tUNIT\tVALUE")
	for _, sig := range signals {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.4g\n", sig.ID, sig.Name, sig.Unit, sig.Value.AsFloat())
	}
	w.Flush()
	fmt.Printf("\n%d signals on %s\n", len(signals), entity.ID())
}
