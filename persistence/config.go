// Package persistence implements the write-behind persistence adapter
// (spec §4.O): the relational backing store behind the event store's
// BackingStore boundary, the view store's grid.Backing, and the
// outbox/DLQ repositories, all fronting the same modernc.org/sqlite
// database via data/db.
package persistence

import (
	"time"

	core "eventsaga/data/db"
)

// LoadMode is the grid map's initial-load strategy (spec §4.O table).
type LoadMode string

const (
	// LoadLazy loads events on demand only — the event store's mode.
	LoadLazy LoadMode = "LAZY"
	// LoadEager warms every key at startup — the view store's mode.
	LoadEager LoadMode = "EAGER"
)

// Config mirrors the persistence.* configuration surface (spec §6).
type Config struct {
	Enabled           bool
	WriteDelaySeconds int
	WriteBatchSize    int
	InitialLoadMode   LoadMode
	DB                core.DBConfig
}

// DefaultConfig matches spec §6's defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           false,
		WriteDelaySeconds: 5,
		WriteBatchSize:    100,
		InitialLoadMode:   LoadLazy,
		DB: core.DBConfig{
			Driver: "sqlite",
		},
	}
}

// WriteDelay returns WriteDelaySeconds as a time.Duration, defaulting
// to 5s when unset.
func (c Config) WriteDelay() time.Duration {
	if c.WriteDelaySeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.WriteDelaySeconds) * time.Second
}

// BatchSize returns WriteBatchSize, defaulting to 100 when unset.
func (c Config) BatchSize() int {
	if c.WriteBatchSize <= 0 {
		return 100
	}
	return c.WriteBatchSize
}
