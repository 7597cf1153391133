// Package authz resolves whether an operator may perform a governed action:
// first against the permissions their role carries, then against active,
// in-scope delegations. Every ambiguity resolves to denial.
package authz

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/munigrid/mandate/pkg/connector"
	"github.com/munigrid/mandate/pkg/decision"
	"github.com/munigrid/mandate/pkg/ruleset"
)

// maxAmbiguityCandidates caps the delegation summaries attached to an
// ambiguity denial.
const maxAmbiguityCandidates = 4

// Grant records an established authority path.
type Grant struct {
	// Method is decision.PermissionByRole or decision.PermissionByDelegation.
	Method string
	// Required is the sorted permission set the action demanded.
	Required []string
	// Delegation is the winning delegation, nil on the role path.
	Delegation *Ranked
}

// Denial is the fail-closed outcome of authority resolution.
type Denial struct {
	// Reason is decision.ReasonInsufficientPermissions or
	// decision.ReasonDelegationAmbiguity.
	Reason string
	// Required is the sorted permission set the action demanded.
	Required []string
	// Missing lists the permissions the operator's role lacks.
	Missing []string
	// Candidates holds delegation summaries on ambiguity, capped at four.
	Candidates []string
}

// Ranked is a delegation candidate with its synthesized identity and parsed
// window, ready for ordering and audit.
type Ranked struct {
	ID         string
	Delegator  string
	Scope      []string
	Precedence int
	From       string
	Until      string

	from time.Time
}

// Summary renders the candidate for operator remediation.
func (r Ranked) Summary() string {
	from := r.From
	if from == "" {
		from = "always"
	}
	return fmt.Sprintf("%s (delegator %s, precedence %d, from %s)", r.ID, r.Delegator, r.Precedence, from)
}

// Resolver ranks authority against one rule table set.
type Resolver struct {
	rules *ruleset.Ruleset
}

// New creates a Resolver over compiled rules.
func New(rules *ruleset.Ruleset) *Resolver {
	return &Resolver{rules: rules}
}

// RequiredPermissions computes the permission set an action demands: the
// union of the intent's permissions and those of every touched connector,
// lower-cased, deduplicated, sorted.
func (r *Resolver) RequiredPermissions(intent ruleset.Intent, connectors []connector.Target) []string {
	set := make(map[string]struct{})
	for _, p := range intent.Permissions {
		set[strings.ToLower(p)] = struct{}{}
	}
	for _, t := range connectors {
		perms, ok := r.rules.ConnectorPermissions(t.Connector)
		if !ok {
			continue
		}
		for _, p := range perms {
			set[strings.ToLower(p)] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Resolve decides the authority question. Exactly one of the returns is
// non-nil. The role path short-circuits: when the operator's own permissions
// cover the requirement, no delegation is consulted.
func (r *Resolver) Resolve(req *decision.Request, intent ruleset.Intent, connectors []connector.Target) (*Grant, *Denial) {
	required := r.RequiredPermissions(intent, connectors)

	held := make(map[string]struct{}, len(req.Operator.Permissions))
	for _, p := range req.Operator.Permissions {
		held[strings.ToLower(strings.TrimSpace(p))] = struct{}{}
	}
	var missing []string
	for _, p := range required {
		if _, ok := held[p]; !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return &Grant{Method: decision.PermissionByRole, Required: required}, nil
	}

	now, nowKnown := parseFlexTime(req.Timestamp)
	candidates := r.matchDelegations(req, intent, required, connectors, now, nowKnown)
	if len(candidates) == 0 {
		return nil, &Denial{
			Reason:   decision.ReasonInsufficientPermissions,
			Required: required,
			Missing:  missing,
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Precedence != b.Precedence {
			return a.Precedence > b.Precedence
		}
		if !a.from.Equal(b.from) {
			return a.from.After(b.from)
		}
		return a.ID < b.ID
	})

	// An exact tie at the top is never silently broken.
	if len(candidates) > 1 &&
		candidates[0].Precedence == candidates[1].Precedence &&
		candidates[0].from.Equal(candidates[1].from) {
		tied := tiedGroup(candidates)
		summaries := make([]string, 0, len(tied))
		for _, c := range tied {
			summaries = append(summaries, c.Summary())
		}
		return nil, &Denial{
			Reason:     decision.ReasonDelegationAmbiguity,
			Required:   required,
			Missing:    missing,
			Candidates: summaries,
		}
	}

	winner := candidates[0]
	return &Grant{
		Method:     decision.PermissionByDelegation,
		Required:   required,
		Delegation: &winner,
	}, nil
}

// matchDelegations filters the operator's delegations to those active at the
// request timestamp and in scope for the action. A malformed window bound
// disqualifies the delegation rather than widening it.
func (r *Resolver) matchDelegations(req *decision.Request, intent ruleset.Intent, required []string, connectors []connector.Target, now time.Time, nowKnown bool) []Ranked {
	var out []Ranked
	for _, d := range req.Operator.Delegations {
		if d.Delegatee != "" && d.Delegatee != req.Operator.ID {
			continue
		}
		var from time.Time
		if d.From != "" {
			t, ok := parseFlexTime(d.From)
			if !ok || !nowKnown || now.Before(t) {
				continue
			}
			from = t
		}
		if u := untilString(d); u != "" {
			t, ok := parseFlexTime(u)
			if !ok || !nowKnown || now.After(t) {
				continue
			}
		}
		if !scopeMatches(d.Scope, intent, required, connectors) {
			continue
		}
		out = append(out, Ranked{
			ID:         synthesizeID(d),
			Delegator:  d.Delegator,
			Scope:      append([]string(nil), d.Scope...),
			Precedence: d.Precedence,
			From:       d.From,
			Until:      untilString(d),
			from:       from,
		})
	}
	return out
}

// scopeMatches implements the scope grammar: a literal wildcard, the intent
// name (optionally prefixed intent:), a required permission (optionally
// prefixed permission:), or a touched connector (optionally prefixed
// connector:).
func scopeMatches(scope []string, intent ruleset.Intent, required []string, connectors []connector.Target) bool {
	for _, raw := range scope {
		s := strings.ToLower(strings.TrimSpace(raw))
		if s == "" {
			continue
		}
		if s == "*" {
			return true
		}
		name, qualifier := s, ""
		if i := strings.IndexByte(s, ':'); i >= 0 {
			qualifier, name = s[:i], s[i+1:]
		}
		switch qualifier {
		case "intent":
			if matchesIntent(name, intent) {
				return true
			}
		case "permission":
			if containsString(required, name) {
				return true
			}
		case "connector":
			if matchesConnector(name, connectors) {
				return true
			}
		case "":
			if matchesIntent(s, intent) || containsString(required, s) || matchesConnector(s, connectors) {
				return true
			}
		}
	}
	return false
}

func matchesIntent(name string, intent ruleset.Intent) bool {
	return name == intent.Name || strings.EqualFold(name, intent.Requested)
}

func matchesConnector(name string, connectors []connector.Target) bool {
	for _, t := range connectors {
		if name == t.Connector {
			return true
		}
	}
	return false
}

func containsString(sorted []string, s string) bool {
	i := sort.SearchStrings(sorted, s)
	return i < len(sorted) && sorted[i] == s
}

// synthesizeID produces the stable delegation identifier used for ordering
// and for the audit record's delegationUsed field.
func synthesizeID(d decision.Delegation) string {
	if d.ID != "" {
		return d.ID
	}
	from := d.From
	if from == "" {
		from = "always"
	}
	return d.Delegator + "/" + from + "/" + strings.Join(d.Scope, ",")
}

func untilString(d decision.Delegation) string {
	if d.Until != "" {
		return d.Until
	}
	return d.To
}

func tiedGroup(sorted []Ranked) []Ranked {
	top := sorted[0]
	n := 1
	for n < len(sorted) &&
		sorted[n].Precedence == top.Precedence &&
		sorted[n].from.Equal(top.from) {
		n++
	}
	if n > maxAmbiguityCandidates {
		n = maxAmbiguityCandidates
	}
	return sorted[:n]
}

// parseFlexTime accepts RFC 3339 timestamps and bare ISO dates.
func parseFlexTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
