package suite

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/me/wdlharness/pkg/fixture"
)

// Schema returns the JSON Schema of a suite file. The data section uses the
// fixture descriptor schema.
func Schema() (map[string]any, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = true

	s := r.Reflect(&Suite{})
	s.Title = "WDL test suite"
	s.Description = "Fixture descriptors and workflow runs with expected outputs"

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal suite schema: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal suite schema: %w", err)
	}

	delete(doc, "$id")

	descriptors, err := fixture.DescriptorSchema()
	if err != nil {
		return nil, err
	}
	delete(descriptors, "$schema")
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("suite schema has no properties")
	}
	props["data"] = descriptors
	return doc, nil
}

// Validate checks a decoded suite document against Schema.
func Validate(doc map[string]any) error {
	schemaDoc, err := Schema()
	if err != nil {
		return err
	}
	return fixture.ValidateDocument(schemaDoc, "suite.json", doc)
}
