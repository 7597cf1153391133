package plan

import (
	"errors"
	"fmt"

	"github.com/munigrid/mandate/pkg/connector"
	"github.com/munigrid/mandate/pkg/ruleset"
)

// ErrUnsupportedConnector is returned by a Builder for a governed connector
// it has no plan shape for.
var ErrUnsupportedConnector = errors.New("plan: unsupported connector")

// BuildInput carries everything a connector plan may depend on. Builders
// must be pure functions of this input so plan hashes stay reproducible.
type BuildInput struct {
	Target    connector.Target
	Metadata  map[string]interface{}
	FileStem  string
	Retention ruleset.Retention
	Intent    string
	RequestID string
	StepID    string
}

// Builder constructs the connector-specific plan envelope for one governed
// step. The envelope is opaque to the pipeline beyond its hash contribution
// and the injected planHash key.
type Builder interface {
	Build(in BuildInput) (map[string]interface{}, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(in BuildInput) (map[string]interface{}, error)

// Build implements Builder.
func (f BuilderFunc) Build(in BuildInput) (map[string]interface{}, error) {
	return f(in)
}

// DefaultBuilder shapes plans for the built-in governed connectors. Dispatch
// layers with richer connector catalogs supply their own Builder.
type DefaultBuilder struct{}

// Build implements Builder for github, m365, slack, and automation targets.
func (DefaultBuilder) Build(in BuildInput) (map[string]interface{}, error) {
	base := map[string]interface{}{
		"kind":      in.Target.Connector,
		"intent":    in.Intent,
		"requestId": in.RequestID,
		"stepId":    in.StepID,
	}
	if in.FileStem != "" {
		base["fileStem"] = in.FileStem
		base["retentionClass"] = in.Retention.Class
		base["retentionRoute"] = in.Retention.Route
	}
	switch in.Target.Connector {
	case "github":
		base["repository"] = in.Target.Rest
	case "m365":
		base["location"] = in.Target.Rest
	case "slack":
		base["channel"] = in.Target.Rest
	case "automation":
		base["automationId"] = in.Target.Rest
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedConnector, in.Target.Connector)
	}
	return base, nil
}
