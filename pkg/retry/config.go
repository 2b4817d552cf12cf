// Copyright 2024-2026 Aiku AI

package retry

import "time"

// Config is the YAML form of a Policy. Unset fields keep the
// DefaultPolicy values.
type Config struct {
	Attempts     int           `yaml:"attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

func (c Config) Policy() Policy {
	p := DefaultPolicy
	if c.Attempts > 0 {
		p.Attempts = c.Attempts
	}
	if c.InitialDelay > 0 {
		p.Initial = c.InitialDelay
	}
	p.Max = c.MaxDelay
	return p
}
