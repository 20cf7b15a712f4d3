package main

import (
	"fmt"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/dynld"
)

var (
	libraryPaths []string
	verbose      bool
	lookupSymbol string
)

var rootCmd = &cobra.Command{
	Use:          "dynld",
	Short:        "Resolve and inspect ELF shared object dependency closures",
	SilenceUsage: true,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <shared object>",
	Short: "Load a shared object's full closure into a simulated address space and report it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resolver := dynld.NewPathResolver(libraryPaths...)
		loader, err := dynld.NewInspectLoader(resolver)
		if err != nil {
			return err
		}

		mod, err := loader.Load(args[0], dynld.BindNow|dynld.Global)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, m := range loader.Registry().Modules() {
			span := m.Span()
			fmt.Fprintf(out, "%s (%s)\n", m.Name(), m.Machine())
			fmt.Fprintf(out, "  base   %#x\n", m.Base())
			fmt.Fprintf(out, "  span   %#x-%#x (%d bytes)\n",
				span.Start, span.Start+span.Size, span.Size)
			if needed := m.Needed(); len(needed) > 0 {
				fmt.Fprintf(out, "  needed %v\n", needed)
			}
			if id := m.TLSModuleID(); id != 0 {
				fmt.Fprintf(out, "  tls    module %d\n", id)
			}
			if ii := m.InitInfo(); ii.Init != 0 || ii.Fini != 0 {
				fmt.Fprintf(out, "  init   %#x fini %#x\n", ii.Init, ii.Fini)
			}
			if verbose {
				spew.Fdump(out, m)
			}
		}

		if lookupSymbol != "" {
			addr, err := loader.Lookup(mod, lookupSymbol)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s = %#x\n", lookupSymbol, addr)
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().StringSliceVarP(&libraryPaths, "library-path", "L", nil,
		"Directory to search for bare soname dependencies (repeatable)")
	inspectCmd.Flags().BoolVarP(&verbose, "verbose", "v", false,
		"Dump the full module structure for each resolved module")
	inspectCmd.Flags().StringVar(&lookupSymbol, "lookup", "",
		"Symbol to resolve in the loaded module's scope")
	rootCmd.AddCommand(inspectCmd)
}
