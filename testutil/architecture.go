package testutil

import (
	"sort"
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// AssertOnlyFacadeImports loads every package matching pattern, tests
// included, and fails if a package outside facade imports anything under
// infra. Packages under infra itself may import each other.
func AssertOnlyFacadeImports(t testing.TB, pattern, infra, facade string) {
	t.Helper()
	cfg := &packages.Config{Mode: packages.NeedName | packages.NeedImports, Tests: true}
	pkgs, err := packages.Load(cfg, pattern)
	if err != nil {
		t.Fatalf("load packages: %v", err)
	}
	imports := make(map[string][]string, len(pkgs))
	for _, pkg := range pkgs {
		for path := range pkg.Imports {
			imports[pkg.PkgPath] = append(imports[pkg.PkgPath], path)
		}
	}
	viols := facadeViolations(imports, infra, facade)
	for _, v := range viols {
		t.Errorf("forbidden import of %s: %s", infra, v)
	}
	if len(viols) > 0 {
		t.Fatalf("found %d packages bypassing %s", len(viols), facade)
	}
}

func facadeViolations(imports map[string][]string, infra, facade string) []string {
	seen := make(map[string]struct{})
	for pkg, paths := range imports {
		if underPrefix(pkg, facade) || underPrefix(pkg, infra) {
			continue
		}
		for _, path := range paths {
			if underPrefix(path, infra) {
				seen[pkg+": "+path] = struct{}{}
			}
		}
	}
	viols := make([]string, 0, len(seen))
	for v := range seen {
		viols = append(viols, v)
	}
	sort.Strings(viols)
	return viols
}

func underPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}
