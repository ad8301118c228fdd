package keel

import (
	"fmt"

	"gopkg.in/gcfg.v1"
)

// SleepConfig carries the deactivator tunables. DefaultSleepConfig gives the
// shipping values; Validate rejects zero fractions and capacities.
type SleepConfig struct {
	// Fraction of the active set seeded for traversal each frame.
	TestedFractionPerFrame float32
	// Fraction of the active set the deactivator aims to put to sleep per
	// frame, split across workers.
	TargetDeactivatedFraction float32
	// Fraction of the active set a frame is allowed to traverse, split
	// across workers.
	TargetTraversedFraction float32

	InitialIslandBodyCapacity       int
	InitialIslandConstraintCapacity int
}

func DefaultSleepConfig() SleepConfig {
	return SleepConfig{
		TestedFractionPerFrame:          0.01,
		TargetDeactivatedFraction:       0.005,
		TargetTraversedFraction:         0.02,
		InitialIslandBodyCapacity:       1024,
		InitialIslandConstraintCapacity: 1024,
	}
}

type sleepConfigFile struct {
	Sleep struct {
		TestedFractionPerFrame          float32
		TargetDeactivatedFraction       float32
		TargetTraversedFraction         float32
		InitialIslandBodyCapacity       int
		InitialIslandConstraintCapacity int
	}
}

// LoadSleepConfig reads a [sleep] section from an ini-style file. Fields the
// file leaves at zero fall back to the defaults.
func LoadSleepConfig(path string) (SleepConfig, error) {
	var wrap sleepConfigFile
	if err := gcfg.ReadFileInto(&wrap, path); err != nil {
		return SleepConfig{}, fmt.Errorf("reading sleep config %q: %w", path, err)
	}
	cfg := DefaultSleepConfig()
	if wrap.Sleep.TestedFractionPerFrame != 0 {
		cfg.TestedFractionPerFrame = wrap.Sleep.TestedFractionPerFrame
	}
	if wrap.Sleep.TargetDeactivatedFraction != 0 {
		cfg.TargetDeactivatedFraction = wrap.Sleep.TargetDeactivatedFraction
	}
	if wrap.Sleep.TargetTraversedFraction != 0 {
		cfg.TargetTraversedFraction = wrap.Sleep.TargetTraversedFraction
	}
	if wrap.Sleep.InitialIslandBodyCapacity != 0 {
		cfg.InitialIslandBodyCapacity = wrap.Sleep.InitialIslandBodyCapacity
	}
	if wrap.Sleep.InitialIslandConstraintCapacity != 0 {
		cfg.InitialIslandConstraintCapacity = wrap.Sleep.InitialIslandConstraintCapacity
	}
	if err := cfg.Validate(); err != nil {
		return SleepConfig{}, err
	}
	return cfg, nil
}

func (c SleepConfig) Validate() error {
	checkFraction := func(name string, v float32) error {
		if v <= 0 || v > 1 {
			return fmt.Errorf("sleep config: %s must be in (0, 1], got %v", name, v)
		}
		return nil
	}
	if err := checkFraction("testedFractionPerFrame", c.TestedFractionPerFrame); err != nil {
		return err
	}
	if err := checkFraction("targetDeactivatedFraction", c.TargetDeactivatedFraction); err != nil {
		return err
	}
	if err := checkFraction("targetTraversedFraction", c.TargetTraversedFraction); err != nil {
		return err
	}
	if c.InitialIslandBodyCapacity < 1 || c.InitialIslandConstraintCapacity < 1 {
		return fmt.Errorf("sleep config: island capacities must be positive")
	}
	return nil
}
