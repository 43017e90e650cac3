package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Stage data stays free-form; these schemas only pin the types and ranges of
// keys the shop floor reports on. Stages without a schema accept any object.
var stageDataSchemaSources = map[StageName]string{
	StageNamePrintingProcess: `{
		"type": "object",
		"properties": {
			"machine":        {"type": "string", "maxLength": 100},
			"paper_stock":    {"type": "string", "maxLength": 100},
			"color_mode":     {"enum": ["cmyk", "spot", "grayscale"]},
			"sheets_printed": {"type": "integer", "minimum": 0},
			"waste_sheets":   {"type": "integer", "minimum": 0}
		}
	}`,
	StageNameQualityInspection: `{
		"type": "object",
		"properties": {
			"passed":        {"type": "boolean"},
			"inspector":     {"type": "string", "maxLength": 100},
			"sample_size":   {"type": "integer", "minimum": 1},
			"defects_found": {"type": "integer", "minimum": 0}
		}
	}`,
}

var (
	stageSchemasOnce sync.Once
	stageSchemas     map[StageName]*jsonschema.Schema
	stageSchemasErr  error
)

func compileStageDataSchemas() (map[StageName]*jsonschema.Schema, error) {
	stageSchemasOnce.Do(func() {
		compiled := make(map[StageName]*jsonschema.Schema, len(stageDataSchemaSources))
		for name, src := range stageDataSchemaSources {
			url := string(name) + ".json"
			compiler := jsonschema.NewCompiler()
			if err := compiler.AddResource(url, strings.NewReader(src)); err != nil {
				stageSchemasErr = fmt.Errorf("add schema %s: %w", name, err)
				return
			}
			schema, err := compiler.Compile(url)
			if err != nil {
				stageSchemasErr = fmt.Errorf("compile schema %s: %w", name, err)
				return
			}
			compiled[name] = schema
		}
		stageSchemas = compiled
	})
	return stageSchemas, stageSchemasErr
}

// ValidateStageData checks data against the stage's schema, if it has one.
func ValidateStageData(name StageName, data map[string]interface{}) error {
	schemas, err := compileStageDataSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[name]
	if !ok {
		return nil
	}

	// normalise Go values to what encoding/json produces
	b, err := json.Marshal(data)
	if err != nil {
		return &InvalidStageDataError{Stage: name, Detail: err.Error()}
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return &InvalidStageDataError{Stage: name, Detail: err.Error()}
	}

	if err := schema.Validate(v); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &InvalidStageDataError{Stage: name, Detail: leafValidationMessage(ve)}
		}
		return &InvalidStageDataError{Stage: name, Detail: err.Error()}
	}
	return nil
}

func leafValidationMessage(ve *jsonschema.ValidationError) string {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	loc := ve.InstanceLocation
	if loc == "" {
		loc = "/"
	}
	return loc + ": " + ve.Message
}
