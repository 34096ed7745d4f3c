// config-check validates the entity records in the profiles and
// buildings directories without starting any workers.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/heatpilot/heatpilot/pkg/config"
)

func main() {
	profilesDir := flag.String("profiles", "profiles", "Directory with house entity records")
	buildingsDir := flag.String("buildings", "buildings", "Directory with building entity records")
	checkCreds := flag.Bool("credentials", false, "Also verify that credentials resolve for every entity")
	flag.Parse()

	provider := config.NewProvider(*profilesDir, *buildingsDir)
	refs, err := provider.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error scanning config directories: %v\n", err)
		os.Exit(1)
	}
	if len(refs) == 0 {
		fmt.Println("No entity records found")
		os.Exit(0)
	}

	failures := 0
	for _, ref := range refs {
		entity, err := provider.Load(ref)
		if err != nil {
			fmt.Printf("✗ %s: %v\n", ref.Path, err)
			failures++
			continue
		}
		if err := entity.Validate(); err != nil {
			fmt.Printf("✗ %s: %v\n", ref.Path, err)
			failures++
			continue
		}
		if *checkCreds {
			if _, err := config.ResolveCredentials(entity, "", ""); err != nil {
				fmt.Printf("✗ %s: %v\n", ref.Path, err)
				failures++
				continue
			}
		}
		fmt.Printf("✓ %s (%s, %s, %d fetch signals, poll %s)\n",
			entity.ID(), ref.Kind, entity.Connection.System,
			len(entity.FetchSignals()), entity.PollInterval())
	}

	fmt.Printf("\n%d records, %d invalid\n", len(refs), failures)
	if failures > 0 {
		os.Exit(1)
	}
}
