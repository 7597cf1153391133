package ruleset

import "sync"

var (
	defaultOnce sync.Once
	defaultSet  *Ruleset
)

// Default returns the built-in table set, compiled once. The built-in tables
// are part of the engine release, so a compilation failure here is a
// programmer error and panics.
func Default() *Ruleset {
	defaultOnce.Do(func() {
		rs, err := builtin().Compile()
		if err != nil {
			panic("ruleset: built-in tables failed to compile: " + err.Error())
		}
		defaultSet = rs
	})
	return defaultSet
}

func builtin() *File {
	return &File{
		Version: "2.4.0",
		Intents: map[string]IntentSpec{
			// Launcher tier: navigational, no approval evidence.
			"open-repository":   {Tier: TierLauncher},
			"open-365-location": {Tier: TierLauncher},
			"run-automation":    {Tier: TierLauncher},
			"health-check":      {Tier: TierLauncher},

			// Governed tier: full validation chain.
			"deploy_policy":    {Tier: TierGoverned, Permissions: []string{"policy.deploy"}},
			"publish_record":   {Tier: TierGoverned, Permissions: []string{"records.publish"}},
			"archive_record":   {Tier: TierGoverned, Permissions: []string{"records.archive"}},
			"notify_residents": {Tier: TierGoverned, Permissions: []string{"comms.notify"}},
			"schedule_meeting": {Tier: TierGoverned, Permissions: []string{"calendar.write"}},

			// Legacy tier: retired names still accepted from older clients.
			"policy_rollout": {Tier: TierLegacy, Alias: "deploy_policy"},
			"record_publish": {Tier: TierLegacy, Alias: "publish_record"},
		},
		Connectors: map[string]ConnectorSpec{
			"github":     {Permissions: []string{"repo.write"}, Governed: true},
			"m365":       {Permissions: []string{"docs.write"}, Governed: true},
			"slack":      {Permissions: []string{"chat.post"}, Governed: true},
			"automation": {Permissions: []string{"automation.run"}, Governed: true},
			"system":     {Permissions: nil, Governed: false},
		},
		Retention: RetentionSpec{
			Default: Retention{Class: "P5Y", Route: "records/general"},
			Classes: map[string]Retention{
				"permit":    {Class: "P10Y", Route: "records/permits"},
				"ordinance": {Class: "PERM", Route: "records/ordinances"},
				"minutes":   {Class: "P7Y", Route: "records/minutes"},
				"budget":    {Class: "P10Y", Route: "records/finance"},
				"license":   {Class: "P5Y", Route: "records/licenses"},
				"notice":    {Class: "P3Y", Route: "records/notices"},
			},
		},
		InjectionPatterns: []string{
			`(?i)(ignore|disregard)\s+(all\s+)?(previous|prior)\s+(rules|instructions)`,
			`(?i)bypass\s+(governance|approval|the\s+charter)`,
			`(?i)auto[-\s]?approve`,
			`(?i)(disable|skip|suppress)\s+(the\s+)?audit`,
			`(?i)override\s+(safety\s+)?controls`,
			`(?i)(reveal|dump|override)\s+(the\s+)?system\s+prompt`,
		},
		CanonicalHosts: []string{
			"plans.munigrid.dev",
		},
	}
}
