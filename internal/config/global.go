package config

import "sync/atomic"

var cfg atomic.Value

// Init publishes the default configuration as the process-wide config.
// It must be called once before Load is used.
func Init() error {
	c, err := defaultConfig()
	if err != nil {
		return err
	}
	cfg.Store(&c)
	return nil
}

// Load returns the current config. The returned pointer must be treated as
// read-only; use Update or Swap to change it.
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies mut to a copy of the current config and publishes the
// result atomically.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}

// Swap replaces the global config outright.
func Swap(next Config) *Config {
	cfg.Store(&next)
	return &next
}
