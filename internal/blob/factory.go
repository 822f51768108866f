package blob

import (
	"context"
	"fmt"
)

// Config selects and configures a mirror backend.
type Config struct {
	Driver Driver
	FSRoot string
	S3     S3Config
}

// Open constructs the Store named by cfg.Driver. An empty driver means no
// mirror and returns (nil, nil).
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "":
		return nil, nil
	case DriverFilesystem:
		return NewFilesystem(cfg.FSRoot)
	case DriverS3:
		return NewS3(ctx, cfg.S3)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}
