// msipatch injects files or custom actions into an existing MSI
// package, without the original build toolchain. It shells out to
// msitools (msidump/msibuild), cabextract, and gcab for the container
// work; the relational table edits are its own.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/kolide/kit/version"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var run func([]string) error
	switch strings.ToLower(os.Args[1]) {
	case "version":
		run = runVersion
	case "list-destinations":
		run = runListDestinations
	case "inject-file":
		run = runInjectFile
	case "inject-action":
		run = runInjectAction
	default:
		usage()
		os.Exit(1)
	}

	if err := run(os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func runVersion(_ []string) error {
	version.PrintFull()
	return nil
}

func usage() {
	fmt.Fprintf(os.Stderr, "USAGE\n")
	fmt.Fprintf(os.Stderr, "  %s <mode> --help\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\n")
	fmt.Fprintf(os.Stderr, "MODES\n")
	fmt.Fprintf(os.Stderr, "  list-destinations  List the known destination folder aliases\n")
	fmt.Fprintf(os.Stderr, "  inject-file        Add a file to the MSI, dropped at install time\n")
	fmt.Fprintf(os.Stderr, "  inject-action      Add a custom action, run after file installation\n")
	fmt.Fprintf(os.Stderr, "  version            Print full version information\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func usageFor(fs *flag.FlagSet, short string) func() {
	return func() {
		fmt.Fprintf(os.Stderr, "USAGE\n")
		fmt.Fprintf(os.Stderr, "  %s\n", short)
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "FLAGS\n")
		w := tabwriter.NewWriter(os.Stderr, 0, 2, 2, ' ', 0)
		fs.VisitAll(func(f *flag.Flag) {
			fmt.Fprintf(w, "\t-%s %s\t%s\n", f.Name, f.DefValue, f.Usage)
		})
		w.Flush()
		fmt.Fprintf(os.Stderr, "\n")
	}
}
