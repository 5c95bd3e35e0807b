package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// changeSetSchema constrains change-ticket request payloads before the
// engine sees them. Any of the three amendment fields may appear, but
// unknown fields are rejected at the edge.
const changeSetSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"description": {"type": "string", "minLength": 1, "maxLength": 10000},
		"deadline_at": {"type": "string", "format": "date-time"},
		"options": {
			"type": "object",
			"maxProperties": 50,
			"additionalProperties": {"type": "string", "maxLength": 1000}
		}
	},
	"additionalProperties": false
}`

var compiledChangeSetSchema = mustCompileSchema("change-set", changeSetSchema)

func mustCompileSchema(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://patron.schemas.local/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("schema %s load failed: %v", name, err))
	}
	compiled, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("schema %s compile failed: %v", name, err))
	}
	return compiled
}

// validateChangeSet checks a decoded change-set payload against the
// schema. The payload must already be generic JSON (map/slice/scalar).
func validateChangeSet(payload any) error {
	return compiledChangeSetSchema.Validate(payload)
}
