package main

import (
	"fmt"
	"os"

	"github.com/parsonage-labs/msipatch/pkg/destinations"
)

func runListDestinations(_ []string) error {
	fmt.Fprintf(os.Stdout, "Available destination directories:\n")
	for _, alias := range destinations.List() {
		fmt.Fprintf(os.Stdout, "  - %s\n", alias)
	}
	return nil
}
