package engine

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed request_schema.json
var requestSchemaJSON string

const requestSchemaURL = "https://munigrid.dev/schemas/decision-request.schema.json"

// compileRequestSchema compiles the embedded DecisionRequest schema. The
// schema is the malformed-input gate: anything failing it is rejected before
// the request can claim an idempotency record.
func compileRequestSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(requestSchemaURL, strings.NewReader(requestSchemaJSON)); err != nil {
		return nil, fmt.Errorf("engine: schema load failed: %w", err)
	}
	compiled, err := c.Compile(requestSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("engine: schema compile failed: %w", err)
	}
	return compiled, nil
}
