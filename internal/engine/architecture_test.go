package engine

import (
	"testing"

	"censocore/testutil"
)

// TestOnlyEnginePackageImportsInfra ensures that only the engine packages
// wrap the infra drivers. Everything else depends on engine.Pool and the
// core abstractions.
func TestOnlyEnginePackageImportsInfra(t *testing.T) {
	testutil.AssertOnlyFacadeImports(t, "censocore/...", "censocore/internal/infra/engine", "censocore/internal/engine")
}
