package engine

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/cutfactor/cutcore/domain"
)

// scenarioParametersSchema constrains the free-form parameter document
// stored on a scenario. Unknown keys pass through so client-side settings
// can ride along.
const scenarioParametersSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"algorithm": {
			"type": "string",
			"enum": ["1D_FFD", "1D_BFD", "2D_BOTTOM_LEFT", "2D_GUILLOTINE"]
		},
		"kerf": {"type": "integer", "minimum": 0},
		"allowRotation": {"type": "boolean"}
	},
	"additionalProperties": true
}`

func compileParametersSchema() (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal([]byte(scenarioParametersSchema), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal parameters schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("scenario-parameters.json", doc); err != nil {
		return nil, fmt.Errorf("add parameters schema resource: %w", err)
	}
	return c.Compile("scenario-parameters.json")
}

// validateParameters checks a scenario's stored parameter document. An
// empty document is valid.
func (e *Engine) validateParameters(raw string) error {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return domain.Wrap(domain.KindValidation, "scenario parameters are not valid JSON", err)
	}
	if err := e.paramsSchema.Validate(v); err != nil {
		return domain.Wrap(domain.KindValidation, "scenario parameters rejected by schema", err)
	}
	return nil
}
