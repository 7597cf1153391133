package decision

import "strings"

// Metadata keys with pipeline semantics. Everything else in Action.Metadata
// passes through to connector plan builders untouched.
const (
	MetaRationale                 = "rationale"
	MetaDescription               = "description"
	MetaUrgency                   = "urgency"
	MetaPublicSafetyJustification = "publicSafetyJustification"
	MetaExpectedPlanHash          = "expectedPlanHash"
	MetaCanonicalURL              = "canonicalUrl"
	MetaCanonicalHash             = "canonicalHash"
	MetaArchive                   = "archive"
)

// UrgencyEmergency marks the emergency bypass path, which demands explicit
// public-safety justification and a post-action publication obligation.
const UrgencyEmergency = "emergency"

// MetaString returns the trimmed string value of a metadata key, or "" when
// absent or not a string.
func (a *Action) MetaString(key string) string {
	if a.Metadata == nil {
		return ""
	}
	if v, ok := a.Metadata[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// Rationale returns the operator-supplied justification text.
func (a *Action) Rationale() string { return a.MetaString(MetaRationale) }

// Urgency returns the declared urgency level.
func (a *Action) Urgency() string { return a.MetaString(MetaUrgency) }

// PublicSafetyJustification returns the emergency evidence text.
func (a *Action) PublicSafetyJustification() string {
	return a.MetaString(MetaPublicSafetyJustification)
}

// ExpectedPlanHash returns the caller's plan hash assertion, if any.
func (a *Action) ExpectedPlanHash() string { return a.MetaString(MetaExpectedPlanHash) }

// CanonicalURL returns the asserted canonical source location, if any.
func (a *Action) CanonicalURL() string { return a.MetaString(MetaCanonicalURL) }

// CanonicalHash returns the asserted canonical document hash, if any.
func (a *Action) CanonicalHash() string { return a.MetaString(MetaCanonicalHash) }

// ArchiveDescriptor returns the structured archival-name descriptor, if any.
func (a *Action) ArchiveDescriptor() (map[string]interface{}, bool) {
	if a.Metadata == nil {
		return nil, false
	}
	m, ok := a.Metadata[MetaArchive].(map[string]interface{})
	return m, ok
}

// FreeText concatenates the operator-authored text surfaces (rationale,
// description, trigger evidence details, and target strings) for the
// injection screen.
func (a *Action) FreeText() string {
	var sb strings.Builder
	sb.WriteString(a.Rationale())
	sb.WriteByte('\n')
	sb.WriteString(a.MetaString(MetaDescription))
	sb.WriteByte('\n')
	if a.Trigger != nil && a.Trigger.Evidence != nil {
		sb.WriteString(a.Trigger.Evidence.Details)
		sb.WriteByte('\n')
	}
	for _, t := range a.Targets {
		sb.WriteString(t)
		sb.WriteByte('\n')
	}
	return sb.String()
}
