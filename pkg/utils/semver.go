package utils

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/rs/zerolog/log"
)

// VersionGate checks client versions against a semver constraint such as ">= 2.4.0"
type VersionGate struct {
	constraint *semver.Constraints
	raw        string
}

// NewVersionGate parses constraint. An empty constraint yields a gate that admits everything.
func NewVersionGate(constraint string) (*VersionGate, error) {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" {
		return &VersionGate{}, nil
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	return &VersionGate{constraint: c, raw: constraint}, nil
}

// Enabled reports whether the gate has a constraint
func (g *VersionGate) Enabled() bool {
	return g != nil && g.constraint != nil
}

// Admits reports whether version satisfies the gate. Missing or unparsable
// versions are rejected when a constraint is configured.
func (g *VersionGate) Admits(version string) bool {
	if !g.Enabled() {
		return true
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return false
	}

	sv, err := semver.NewVersion(version)
	if err != nil {
		log.Debug().Str("version", version).Err(err).Msg("invalid client version")
		return false
	}

	return g.constraint.Check(sv)
}

// String returns the raw constraint
func (g *VersionGate) String() string {
	if g == nil {
		return ""
	}
	return g.raw
}
