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

package config

import "testing"

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadOverlaysOntoDefault(t *testing.T) {
	doc := []byte(`
limits:
  maxNumStreams: 32
policy:
  cardinalityMode: 2
`)
	c, err := Load(doc)
	if err != nil {
		t.Fatal(err)
	}
	if c.Limits.MaxNumStreams != 32 {
		t.Fatalf("maxNumStreams = %d, want 32", c.Limits.MaxNumStreams)
	}
	if c.Policy.CardinalityMode != 2 {
		t.Fatalf("cardinalityMode = %d, want 2", c.Policy.CardinalityMode)
	}
	// Untouched fields keep their defaults.
	if c.Limits.RowUpperBound != Default().Limits.RowUpperBound {
		t.Fatalf("rowUpperBound should be unchanged by a partial overlay")
	}
}

func TestLoadRejectsInvalidCardinalityMode(t *testing.T) {
	doc := []byte(`policy: {cardinalityMode: 7}`)
	if _, err := Load(doc); err == nil {
		t.Fatal("expected validation error for out-of-range cardinalityMode")
	}
}

func TestLoadRejectsMaxNumStreamsBelowTwo(t *testing.T) {
	doc := []byte(`limits: {maxNumStreams: 1}`)
	if _, err := Load(doc); err == nil {
		t.Fatal("expected validation error for maxNumStreams below 2")
	}
}

func TestLoadRejectsSampleNumeratorAboveDenominator(t *testing.T) {
	doc := []byte(`policy: {sampleNumerator: 100, sampleDenominator: 10}`)
	if _, err := Load(doc); err == nil {
		t.Fatal("expected validation error for sampleNumerator > sampleDenominator")
	}
}
