// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"fmt"
	"path/filepath"
)

// Options selects and configures a backend.
type Options struct {
	Backend string // "badger" (default), "redis", "sqlite", "memory"
	DataDir string
	Redis   RedisConfig
}

// Open creates a Store for the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch opts.Backend {
	case "badger", "":
		return OpenBadgerStore(filepath.Join(opts.DataDir, "badger"))
	case "redis":
		return OpenRedisStore(ctx, opts.Redis)
	case "sqlite":
		return OpenSQLiteStore(filepath.Join(opts.DataDir, "reaper.db"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", opts.Backend)
	}
}
