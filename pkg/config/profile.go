package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a deployment-specific configuration profile. Municipal
// deployments ship one profile per environment (profile_<code>.yaml);
// environment variables always win over profile values.
type Profile struct {
	Name           string           `yaml:"name" json:"name"`
	Code           string           `yaml:"code" json:"code"`
	Environment    string           `yaml:"environment,omitempty" json:"environment,omitempty"`
	CanonicalHosts []string         `yaml:"canonical_hosts,omitempty" json:"canonicalHosts,omitempty"`
	Limiter        LimiterProfile   `yaml:"limiter" json:"limiter"`
	Archive        ArchiveProfile   `yaml:"archive" json:"archive"`
	Telemetry      TelemetryProfile `yaml:"telemetry" json:"telemetry"`
}

// LimiterProfile sets the per-workspace admission rate.
type LimiterProfile struct {
	PerMinute int `yaml:"per_minute" json:"perMinute"`
	Burst     int `yaml:"burst" json:"burst"`
}

// ArchiveProfile selects and configures the decision archive backend.
type ArchiveProfile struct {
	Backend  string `yaml:"backend,omitempty" json:"backend,omitempty"`
	Bucket   string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	Region   string `yaml:"region,omitempty" json:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Prefix   string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Dir      string `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// TelemetryProfile configures OTLP export.
type TelemetryProfile struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty" json:"otlpEndpoint,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty" json:"insecure,omitempty"`
}

// LoadProfile loads a deployment profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_riverton.yaml -> riverton
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}

// Apply folds the profile into the config. Profile values only fill fields
// the environment left unset; canonical hosts are unioned.
func (c *Config) Apply(p *Profile) {
	if p == nil {
		return
	}
	if c.Environment == "" {
		c.Environment = p.Environment
	}
	if c.LimiterPerMinute == 0 {
		c.LimiterPerMinute = p.Limiter.PerMinute
	}
	if c.LimiterBurst == 0 {
		c.LimiterBurst = p.Limiter.Burst
	}
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = p.Telemetry.OTLPEndpoint
		c.OTLPInsecure = c.OTLPInsecure || p.Telemetry.Insecure
	}
	if c.ArchiveBackend == "" {
		c.ArchiveBackend = p.Archive.Backend
	}
	if c.ArchiveBucket == "" {
		c.ArchiveBucket = p.Archive.Bucket
	}
	if c.ArchiveRegion == "" {
		c.ArchiveRegion = p.Archive.Region
	}
	if c.ArchiveEndpoint == "" {
		c.ArchiveEndpoint = p.Archive.Endpoint
	}
	if c.ArchivePrefix == "" {
		c.ArchivePrefix = p.Archive.Prefix
	}
	if c.ArchiveDir == "" {
		c.ArchiveDir = p.Archive.Dir
	}
	c.CanonicalHosts = unionHosts(c.CanonicalHosts, p.CanonicalHosts)
}

func unionHosts(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, h := range list {
			h = strings.ToLower(strings.TrimSpace(h))
			if h == "" || seen[h] {
				continue
			}
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
