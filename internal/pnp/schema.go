package pnp

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// targetTemperatureSchema bounds writable property values
const targetTemperatureSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "number",
	"minimum": -273.15,
	"maximum": 1000
}`

// sinceSchema describes the getMaxMinReport request payload
const sinceSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "string",
	"minLength": 1
}`

// Validator checks thermostat payloads against the model's JSON schemas
type Validator struct {
	temperature *gojsonschema.Schema
	since       *gojsonschema.Schema
}

// NewValidator compiles the schemas
func NewValidator() (*Validator, error) {
	temperature, err := compile(targetTemperatureSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile targetTemperature schema: %w", err)
	}
	since, err := compile(sinceSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile since schema: %w", err)
	}
	return &Validator{temperature: temperature, since: since}, nil
}

func compile(src string) (*gojsonschema.Schema, error) {
	sl := gojsonschema.NewSchemaLoader()
	return sl.Compile(gojsonschema.NewStringLoader(src))
}

// ValidateTemperature checks a desired targetTemperature value
func (v *Validator) ValidateTemperature(temperature float64) error {
	doc, err := json.Marshal(temperature)
	if err != nil {
		return err
	}
	return validate(v.temperature, doc)
}

// ValidateSince checks a raw getMaxMinReport payload
func (v *Validator) ValidateSince(payload []byte) error {
	return validate(v.since, payload)
}

func validate(schema *gojsonschema.Schema, doc []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}
