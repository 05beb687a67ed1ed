// Copyright (C) 2024 Oblivquery, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package config loads the host-chosen build constants spec §6 requires
// ("Constants (must be defined before compilation; chosen by the host)")
// plus the runtime knobs the coordinator sets between stages (spec §5's
// mode flag, §4.5's cardinality-mode threshold). These are ordinary
// host-side values, not enclave secrets, so they are loaded from a plain
// YAML document via sigs.k8s.io/yaml the way the rest of the retrieval
// pack's services keep host configuration out of code.
package config

import (
	"fmt"

	"sigs.k8s.io/yaml"
)

// Limits holds the host-chosen size bounds of spec §6.
type Limits struct {
	// RowUpperBound bounds a single Row's plaintext size (spec §3).
	RowUpperBound int `json:"rowUpperBound"`
	// AggUpperBound bounds a single agg-record's padded size (spec §3).
	AggUpperBound int `json:"aggUpperBound"`
	// PartialAggUpperBound bounds the padded size of a partial
	// aggregate as it crosses the wire between workers (spec §6).
	PartialAggUpperBound int `json:"partialAggUpperBound"`
	// MaxNumStreams bounds how many sorted runs External Sort merges
	// in a single K-way merge pass (spec §4.3).
	MaxNumStreams int `json:"maxNumStreams"`
}

// Policy holds the coordinator-set runtime knobs of spec §4.5 and §5.
type Policy struct {
	// CardinalityMode selects between the low-cardinality scan (1) and
	// high-cardinality sort-based fallback (2) of spec §4.5. Spec §5
	// notes this is the only process-wide state, set by the
	// coordinator between stages; modeled here as an explicit
	// parameter rather than a package global (spec §9 design note).
	CardinalityMode int `json:"cardinalityMode"`
	// HighCardinalityThreshold is the distinct-count above which the
	// coordinator should choose CardinalityMode 2 (spec §4.5
	// "Switch threshold is coordinator policy").
	HighCardinalityThreshold int `json:"highCardinalityThreshold"`
	// SampleNumerator/SampleDenominator give the sampling probability
	// of spec §4.4 ("3277 / 2^16 ~= 5%"); kept configurable rather
	// than hardcoded so a test fixture can oversample a small input.
	SampleNumerator   uint32 `json:"sampleNumerator"`
	SampleDenominator uint32 `json:"sampleDenominator"`
}

// Config is the full host configuration document.
type Config struct {
	Limits Limits `json:"limits"`
	Policy Policy `json:"policy"`
}

// Default returns the constants spec.md's examples use: a 4KB row bound,
// an 8KB agg-record bound, an 8KB partial-aggregate wire bound, and a
// 16-way merge fan-in, with the low-cardinality scan as the default mode
// and spec §4.4's literal 3277/2^16 sample rate.
func Default() Config {
	return Config{
		Limits: Limits{
			RowUpperBound:        4096,
			AggUpperBound:        8192,
			PartialAggUpperBound: 8192,
			MaxNumStreams:        16,
		},
		Policy: Policy{
			CardinalityMode:          1,
			HighCardinalityThreshold: 100000,
			SampleNumerator:          3277,
			SampleDenominator:        1 << 16,
		},
	}
}

// Load reads a YAML document and overlays it onto Default(), so a config
// file only needs to mention the fields it wants to override.
func Load(doc []byte) (Config, error) {
	c := Default()
	if err := yaml.Unmarshal(doc, &c); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the constraints spec §4.3 and §6 assume hold before
// any operator runs.
func (c Config) Validate() error {
	if c.Limits.RowUpperBound <= 0 {
		return fmt.Errorf("rowUpperBound must be positive")
	}
	if c.Limits.AggUpperBound <= 0 {
		return fmt.Errorf("aggUpperBound must be positive")
	}
	if c.Limits.MaxNumStreams < 2 {
		return fmt.Errorf("maxNumStreams must be at least 2 to merge anything")
	}
	if c.Policy.CardinalityMode != 1 && c.Policy.CardinalityMode != 2 {
		return fmt.Errorf("cardinalityMode must be 1 (low) or 2 (high), got %d", c.Policy.CardinalityMode)
	}
	if c.Policy.SampleDenominator == 0 {
		return fmt.Errorf("sampleDenominator must be nonzero")
	}
	if c.Policy.SampleNumerator > c.Policy.SampleDenominator {
		return fmt.Errorf("sampleNumerator must not exceed sampleDenominator")
	}
	return nil
}
