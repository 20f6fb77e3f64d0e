//
// Copyright (c) 2025 Markku Rossi
//
// All rights reserved.
//

// Package env implements global environment for the APSI match engine.
package env

import (
	"crypto/rand"
	"io"

	"github.com/markkurossi/apsi/wpool"
)

// Config defines the global system configuration for the match
// engine. It configures system operation for all SenderDB and query
// operations. Config must not be modified after being passed to any
// module. It is safe for concurrent use by multiple modules as they
// do not modify it.
type Config struct {
	Rand io.Reader
	Pool *wpool.Pool
}

// GetRandom returns the configured entropy source, or crypto/rand's
// Reader when none is set. Label-nonce generation and cuckoo eviction
// read crypto/rand directly and do not consult it.
func (config *Config) GetRandom() io.Reader {
	if config.Rand != nil {
		return config.Rand
	}
	return rand.Reader
}

// GetPool returns the worker pool to dispatch partitioned work to.
func (config *Config) GetPool() *wpool.Pool {
	if config.Pool != nil {
		return config.Pool
	}
	return wpool.New(0)
}
