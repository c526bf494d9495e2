// Command depgraph prints a Graphviz DOT description of this module's
// internal package dependency graph. Grounded on the pack's
// misc/depgraph, which shells out to "go mod graph" and reformats its
// module-level edges as DOT; this port instead loads the module's own
// packages directly via golang.org/x/tools/go/packages (already a
// domain dependency of this build) and walks their import graph, which
// draws package-level edges within this repo rather than only
// module-level edges between third-party dependencies.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"sort"

	"golang.org/x/tools/go/packages"
)

func main() {
	pattern := flag.String("pattern", "./...", "package pattern to load, relative to the module root")
	external := flag.Bool("external", false, "also draw edges to packages outside this module")
	flag.Parse()

	if err := run(*pattern, *external, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "depgraph: %v\n", err)
		os.Exit(1)
	}
}

func run(pattern string, external bool, out *os.File) error {
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports | packages.NeedDeps}
	pkgs, err := packages.Load(cfg, pattern)
	if err != nil {
		return fmt.Errorf("load packages: %w", err)
	}

	internal := make(map[string]bool, len(pkgs))
	for _, p := range pkgs {
		internal[p.PkgPath] = true
	}

	w := bufio.NewWriter(out)
	defer w.Flush()

	fmt.Fprintln(w, "digraph deps {")
	for _, p := range pkgs {
		if len(p.Errors) > 0 {
			for _, e := range p.Errors {
				fmt.Fprintf(os.Stderr, "depgraph: %s: %v\n", p.PkgPath, e)
			}
		}

		imports := make([]string, 0, len(p.Imports))
		for path := range p.Imports {
			imports = append(imports, path)
		}
		sort.Strings(imports)

		for _, path := range imports {
			if !external && !internal[path] {
				continue
			}
			fmt.Fprintf(w, "    %q -> %q;\n", p.PkgPath, path)
		}
	}
	fmt.Fprintln(w, "}")

	return nil
}
