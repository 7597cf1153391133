// Package connector defines the closed connector taxonomy: target parsing
// for <connector>:<rest> references and the health registry consulted before
// plan steps are prepared.
package connector

import (
	"fmt"
	"strings"
)

// Target is a parsed connector-prefixed reference.
type Target struct {
	// Connector is the lower-cased prefix, e.g. "github".
	Connector string
	// Rest is everything after the first colon, e.g. "town/policies".
	Rest string
	// Raw preserves the submitted string for audit and plan envelopes.
	Raw string
}

// ParseTarget splits a <connector>:<rest> reference. Both sides must be
// non-empty; whether the connector is recognized is the rule table's call,
// not the parser's.
func ParseTarget(raw string) (Target, error) {
	trimmed := strings.TrimSpace(raw)
	idx := strings.Index(trimmed, ":")
	if idx <= 0 {
		return Target{}, fmt.Errorf("connector: target %q has no connector prefix", raw)
	}
	name := strings.ToLower(strings.TrimSpace(trimmed[:idx]))
	rest := trimmed[idx+1:]
	if name == "" || rest == "" {
		return Target{}, fmt.Errorf("connector: target %q is incomplete", raw)
	}
	return Target{Connector: name, Rest: rest, Raw: trimmed}, nil
}

// ParseTargets parses every reference, failing on the first malformed one.
func ParseTargets(raws []string) ([]Target, error) {
	out := make([]Target, 0, len(raws))
	for _, raw := range raws {
		t, err := ParseTarget(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// SystemHealthTarget is the synthetic target a health-check launcher intent
// receives when the caller names none.
const SystemHealthTarget = "system:health"
