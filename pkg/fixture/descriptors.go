package fixture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/me/wdlharness/pkg/model"
)

// DescriptorSpec documents the recognized keys of a mapping descriptor.
// Additional keys are passed to the data type as comparison options.
type DescriptorSpec struct {
	Type              string            `json:"type,omitempty" jsonschema:"description=Data type tag such as default or vcf or bam or json"`
	Name              string            `json:"name,omitempty" jsonschema:"description=File name in the cache or data directories"`
	Path              string            `json:"path,omitempty" jsonschema:"description=Local path relative to the cache directory unless absolute"`
	URL               string            `json:"url,omitempty" jsonschema:"description=Remote http or https or s3 location"`
	Contents          any               `json:"contents,omitempty" jsonschema:"description=Literal file contents written as JSON unless a string"`
	Env               string            `json:"env,omitempty" jsonschema:"description=Environment variable holding a local path"`
	HTTPHeaders       map[string]any    `json:"http_headers,omitempty"`
	Digests           map[string]string `json:"digests,omitempty"`
	AllowedDiffLines  int               `json:"allowed_diff_lines,omitempty" jsonschema:"minimum=0"`
	MinMapQ           int               `json:"min_mapq,omitempty" jsonschema:"minimum=0"`
	ComparePhase      bool              `json:"compare_phase,omitempty"`
	CompareTagColumns bool              `json:"compare_tag_columns,omitempty"`
}

// DescriptorSchema returns the JSON Schema of a descriptor file: a mapping of
// fixture names to either a DescriptorSpec object or a literal value.
func DescriptorSchema() (map[string]any, error) {
	spec, err := DescriptorSpecSchema()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"title":   "WDL test fixture descriptors",
		"type":    "object",
		"additionalProperties": map[string]any{
			"anyOf": []any{
				spec,
				map[string]any{"not": map[string]any{"type": "object"}},
			},
		},
	}, nil
}

// DescriptorSpecSchema returns the inlined schema of a single mapping
// descriptor, suitable for embedding in other schemas.
func DescriptorSpecSchema() (map[string]any, error) {
	r := new(jsonschema.Reflector)
	r.DoNotReference = true
	r.AllowAdditionalProperties = true

	data, err := json.Marshal(r.Reflect(&DescriptorSpec{}))
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor schema: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal descriptor schema: %w", err)
	}
	delete(doc, "$schema")
	delete(doc, "$id")
	return doc, nil
}

// ValidateDocument validates a decoded document against a schema document.
// The document is normalized through JSON first so YAML-decoded values
// validate the same as JSON-decoded ones.
func ValidateDocument(schemaDoc map[string]any, resource string, doc any) error {
	c := sjsonschema.NewCompiler()
	if err := c.AddResource(resource, schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(resource)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(data, &normalized); err != nil {
		return fmt.Errorf("unmarshal document: %w", err)
	}

	if err := sch.Validate(normalized); err != nil {
		if ve, ok := err.(*sjsonschema.ValidationError); ok {
			var msgs []string
			for _, cause := range flattenValidationErrors(ve) {
				msgs = append(msgs, fmt.Sprintf("/%s: %v", strings.Join(cause.InstanceLocation, "/"), cause.ErrorKind))
			}
			sort.Strings(msgs)
			return model.NewConfigError(resource, "schema validation failed: %s", strings.Join(msgs, "; "))
		}
		return &model.ConfigError{Field: resource, Message: "schema validation failed", Err: err}
	}
	return nil
}

func flattenValidationErrors(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flattenValidationErrors(cause)...)
	}
	return flat
}

// DecodeFile reads a JSON or YAML (by .yaml/.yml extension) document.
func DecodeFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return nil
}

// LoadDescriptors reads and validates a fixture descriptor file.
func LoadDescriptors(path string) (map[string]any, error) {
	var descriptors map[string]any
	if err := DecodeFile(path, &descriptors); err != nil {
		return nil, err
	}
	if err := ValidateDescriptors(descriptors); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return descriptors, nil
}

// ValidateDescriptors checks a decoded descriptor mapping against the
// descriptor schema.
func ValidateDescriptors(descriptors map[string]any) error {
	schemaDoc, err := DescriptorSchema()
	if err != nil {
		return err
	}
	return ValidateDocument(schemaDoc, "descriptors.json", descriptors)
}
