package blob

import (
	"context"
	"fmt"
	"os"

	"censocore/internal/infra/blob/fs"
	"censocore/internal/infra/blob/memory"
	"censocore/internal/infra/blob/s3"
)

// Open selects a Store implementation using environment variables.
//
//	CENSO_BLOB_DRIVER: fs|s3|memory (default fs)
//	CENSO_BLOB_FS_ROOT: directory root when driver=fs (default ./censodata)
//	(S3 specific variables documented in the infra s3 package)
func Open(ctx context.Context) (Store, error) {
	return OpenDriver(ctx, Driver(os.Getenv("CENSO_BLOB_DRIVER")), os.Getenv("CENSO_BLOB_FS_ROOT"))
}

// OpenDriver opens the named driver; an empty driver means fs.
func OpenDriver(ctx context.Context, driver Driver, fsRoot string) (Store, error) {
	switch driver {
	case DriverFilesystem, "":
		return NewFilesystem(fsRoot)
	case DriverS3:
		return s3.OpenFromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// NewFilesystem mirrors datasets under root.
func NewFilesystem(root string) (Store, error) { return fs.New(root) }

// NewMemory keeps objects for the life of the process.
func NewMemory() Store { return memory.New() }

// NewS3Fake is an S3 store over an in-memory transport, for tests in other
// packages.
func NewS3Fake() Store { return s3.NewMockForTests() }
