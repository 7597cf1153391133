// Package ruleset holds the fixed, versioned rule tables the decision
// pipeline consults: intent tiers, connector permission maps, retention
// classes, injection patterns, and the canonical source host allow-list.
//
// Tables are immutable after compilation and injected into the pipeline at
// construction time. The pipeline never consults mutable global state.
package ruleset

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// SupportedMajor is the table schema generation this engine understands.
// Compiling a ruleset from another major version fails closed.
const SupportedMajor = 2

// Tier classifies an intent name.
type Tier string

const (
	// TierLauncher marks navigational intents that prepare fixed plan
	// shapes and require no approval evidence.
	TierLauncher Tier = "launcher"
	// TierGoverned marks intents that demand the full validation chain:
	// charter, trigger evidence, rationale, archival naming.
	TierGoverned Tier = "governed"
	// TierLegacy marks retired intent names that alias onto a governed
	// intent for backward compatibility.
	TierLegacy Tier = "legacy"
)

// IntentSpec is the declared shape of one intent table row.
type IntentSpec struct {
	Tier        Tier     `yaml:"tier" json:"tier"`
	Permissions []string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	// Alias names the canonical governed intent a legacy row maps to.
	Alias string `yaml:"alias,omitempty" json:"alias,omitempty"`
}

// ConnectorSpec is the declared shape of one connector table row.
type ConnectorSpec struct {
	Permissions []string `yaml:"permissions" json:"permissions"`
	// Governed marks the connector as an eligible target prefix for
	// governed actions.
	Governed bool `yaml:"governed" json:"governed"`
}

// Retention couples an ISO 8601 retention class with an archival route.
type Retention struct {
	Class string `yaml:"class" json:"class"`
	Route string `yaml:"route" json:"route"`
}

// RetentionSpec maps document types to retention classes, with a default
// applied (and flagged) for unlisted types.
type RetentionSpec struct {
	Default Retention            `yaml:"default" json:"default"`
	Classes map[string]Retention `yaml:"classes" json:"classes"`
}

// File is the YAML-facing declaration of a full rule table set.
type File struct {
	Version           string                   `yaml:"version" json:"version"`
	Intents           map[string]IntentSpec    `yaml:"intents" json:"intents"`
	Connectors        map[string]ConnectorSpec `yaml:"connectors" json:"connectors"`
	Retention         RetentionSpec            `yaml:"retention" json:"retention"`
	InjectionPatterns []string                 `yaml:"injection_patterns" json:"injection_patterns"`
	CanonicalHosts    []string                 `yaml:"canonical_hosts" json:"canonical_hosts"`
}

// Intent is a resolved intent after tier lookup and legacy aliasing.
type Intent struct {
	// Name is the canonical intent name (post-aliasing).
	Name string
	// Requested is the name as submitted, preserved for audit.
	Requested string
	Tier      Tier
	// Permissions required by the intent itself, lower-cased.
	Permissions []string
	// Legacy is true when the submitted name was a retired alias.
	Legacy bool
}

// Ruleset is a compiled, immutable table set.
type Ruleset struct {
	version        *semver.Version
	intents        map[string]IntentSpec
	connectors     map[string]ConnectorSpec
	retention      RetentionSpec
	injection      []*regexp.Regexp
	canonicalHosts []string
}

// Compile validates the declared tables and produces an immutable Ruleset.
// Every failure mode here is terminal: a pipeline must not start with a
// partially usable table set.
func (f *File) Compile() (*Ruleset, error) {
	v, err := semver.NewVersion(f.Version)
	if err != nil {
		return nil, fmt.Errorf("ruleset: invalid version %q: %w", f.Version, err)
	}
	if v.Major() != SupportedMajor {
		return nil, fmt.Errorf("ruleset: version %s is outside supported major %d", f.Version, SupportedMajor)
	}

	rs := &Ruleset{
		version:        v,
		intents:        make(map[string]IntentSpec, len(f.Intents)),
		connectors:     make(map[string]ConnectorSpec, len(f.Connectors)),
		retention:      RetentionSpec{Default: f.Retention.Default, Classes: make(map[string]Retention, len(f.Retention.Classes))},
		canonicalHosts: append([]string(nil), f.CanonicalHosts...),
	}

	if rs.retention.Default.Class == "" || rs.retention.Default.Route == "" {
		return nil, fmt.Errorf("ruleset: retention default must declare class and route")
	}
	for docType, ret := range f.Retention.Classes {
		if ret.Class == "" || ret.Route == "" {
			return nil, fmt.Errorf("ruleset: retention class %q must declare class and route", docType)
		}
		rs.retention.Classes[strings.ToLower(docType)] = ret
	}

	for name, spec := range f.Connectors {
		spec.Permissions = lowerAll(spec.Permissions)
		rs.connectors[strings.ToLower(name)] = spec
	}

	for name, spec := range f.Intents {
		key := strings.ToLower(name)
		switch spec.Tier {
		case TierLauncher, TierGoverned:
		case TierLegacy:
			if spec.Alias == "" {
				return nil, fmt.Errorf("ruleset: legacy intent %q has no alias", name)
			}
		default:
			return nil, fmt.Errorf("ruleset: intent %q has unknown tier %q", name, spec.Tier)
		}
		spec.Permissions = lowerAll(spec.Permissions)
		rs.intents[key] = spec
	}
	// Alias targets must exist and be governed; resolved after the full
	// intent map is populated.
	for name, spec := range rs.intents {
		if spec.Tier != TierLegacy {
			continue
		}
		target, ok := rs.intents[strings.ToLower(spec.Alias)]
		if !ok {
			return nil, fmt.Errorf("ruleset: legacy intent %q aliases unknown intent %q", name, spec.Alias)
		}
		if target.Tier != TierGoverned {
			return nil, fmt.Errorf("ruleset: legacy intent %q must alias a governed intent, %q is %q", name, spec.Alias, target.Tier)
		}
	}

	rs.injection = make([]*regexp.Regexp, 0, len(f.InjectionPatterns))
	for _, pat := range f.InjectionPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("ruleset: invalid injection pattern %q: %w", pat, err)
		}
		rs.injection = append(rs.injection, re)
	}

	return rs, nil
}

// Version reports the compiled table version.
func (r *Ruleset) Version() string {
	return r.version.String()
}

// ResolveIntent looks up an intent name, following legacy aliases onto their
// governed targets. The second return is false for names outside the table.
func (r *Ruleset) ResolveIntent(name string) (Intent, bool) {
	requested := strings.TrimSpace(name)
	key := strings.ToLower(requested)
	spec, ok := r.intents[key]
	if !ok {
		return Intent{}, false
	}
	if spec.Tier != TierLegacy {
		return Intent{
			Name:        key,
			Requested:   requested,
			Tier:        spec.Tier,
			Permissions: append([]string(nil), spec.Permissions...),
		}, true
	}
	canonical := strings.ToLower(spec.Alias)
	target := r.intents[canonical]
	return Intent{
		Name:        canonical,
		Requested:   requested,
		Tier:        TierGoverned,
		Permissions: append([]string(nil), target.Permissions...),
		Legacy:      true,
	}, true
}

// ScanInjection tests free text against the adversarial phrase table and
// returns the first matching pattern source.
func (r *Ruleset) ScanInjection(text string) (string, bool) {
	for _, re := range r.injection {
		if re.MatchString(text) {
			return re.String(), true
		}
	}
	return "", false
}

// RetentionFor resolves a document type to its retention class. The second
// return is false when the type is unlisted and the default was applied; the
// caller must surface that as a warning.
func (r *Ruleset) RetentionFor(docType string) (Retention, bool) {
	if ret, ok := r.retention.Classes[strings.ToLower(strings.TrimSpace(docType))]; ok {
		return ret, true
	}
	return r.retention.Default, false
}

// ConnectorPermissions returns the lower-cased permission set a connector
// demands. The second return is false for connectors outside the table.
func (r *Ruleset) ConnectorPermissions(name string) ([]string, bool) {
	spec, ok := r.connectors[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return append([]string(nil), spec.Permissions...), true
}

// KnownConnector reports whether the connector name is in the table at all.
func (r *Ruleset) KnownConnector(name string) bool {
	_, ok := r.connectors[strings.ToLower(name)]
	return ok
}

// GovernedConnector reports whether the connector is an allowed target
// prefix for governed actions.
func (r *Ruleset) GovernedConnector(name string) bool {
	spec, ok := r.connectors[strings.ToLower(name)]
	return ok && spec.Governed
}

// IntentNames lists every accepted intent name (legacy aliases included),
// sorted, for rejection remediation messages.
func (r *Ruleset) IntentNames() []string {
	out := make([]string, 0, len(r.intents))
	for name := range r.intents {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// GovernedConnectors lists the allowed governed target prefixes, sorted, for
// rejection remediation messages.
func (r *Ruleset) GovernedConnectors() []string {
	out := make([]string, 0, len(r.connectors))
	for name, spec := range r.connectors {
		if spec.Governed {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// CanonicalHosts returns the canonical source host allow-list.
func (r *Ruleset) CanonicalHosts() []string {
	return append([]string(nil), r.canonicalHosts...)
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
