package evidence

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// attributeSchemas holds the per-dataset attribute schema, keyed by schema major version.
var attributeSchemas = map[DatasetType]map[uint64]string{
	DatasetCertificate: {1: `{
		"type": "object",
		"required": ["certificate_number", "issuer", "valid_from", "valid_until"],
		"properties": {
			"certificate_number": {"type": "string", "minLength": 1},
			"issuer": {"type": "string", "minLength": 1},
			"valid_from": {"type": "string", "format": "date"},
			"valid_until": {"type": "string", "format": "date"}
		}
	}`},
	DatasetSupplierDeclaration: {1: `{
		"type": "object",
		"required": ["supplier_id", "declaration_year"],
		"properties": {
			"supplier_id": {"type": "string", "minLength": 1},
			"declaration_year": {"type": "integer", "minimum": 1990, "maximum": 2100}
		}
	}`},
	DatasetEmissionData: {
		1: `{
			"type": "object",
			"required": ["quantity", "unit", "emission_scope"],
			"properties": {
				"quantity": {"type": "number", "minimum": 0},
				"unit": {"enum": ["tCO2e", "kgCO2e"]},
				"emission_scope": {"enum": ["SCOPE_1", "SCOPE_2", "SCOPE_3"]}
			}
		}`,
		2: `{
			"type": "object",
			"required": ["quantity", "unit", "emission_scope", "methodology"],
			"properties": {
				"quantity": {"type": "number", "minimum": 0},
				"unit": {"enum": ["tCO2e", "kgCO2e"]},
				"emission_scope": {"enum": ["SCOPE_1", "SCOPE_2", "SCOPE_3"]},
				"methodology": {"type": "string", "minLength": 1}
			}
		}`,
	},
	DatasetImportDeclaration: {1: `{
		"type": "object",
		"required": ["cn_code", "country_of_origin", "net_mass_kg"],
		"properties": {
			"cn_code": {"type": "string", "pattern": "^[0-9]{8}$"},
			"country_of_origin": {"type": "string", "pattern": "^[A-Z]{2}$"},
			"net_mass_kg": {"type": "number", "exclusiveMinimum": 0}
		}
	}`},
	DatasetProductionData: {1: `{
		"type": "object",
		"required": ["installation_id", "quantity", "unit"],
		"properties": {
			"installation_id": {"type": "string", "minLength": 1},
			"quantity": {"type": "number", "minimum": 0},
			"unit": {"type": "string", "minLength": 1}
		}
	}`},
	DatasetTestReport: {1: `{
		"type": "object",
		"required": ["laboratory", "report_number", "tested_at"],
		"properties": {
			"laboratory": {"type": "string", "minLength": 1},
			"report_number": {"type": "string", "minLength": 1},
			"tested_at": {"type": "string", "format": "date"}
		}
	}`},
}

var (
	schemaOnce     sync.Once
	schemaErr      error
	compiledSchema map[string]*jsonschema.Schema
)

func schemaKey(d DatasetType, major uint64) string {
	return fmt.Sprintf("%s/v%d", strings.ToLower(string(d)), major)
}

func compileSchemas() {
	compiledSchema = make(map[string]*jsonschema.Schema)
	for dataset, versions := range attributeSchemas {
		for major, src := range versions {
			c := jsonschema.NewCompiler()
			c.Draft = jsonschema.Draft2020
			c.AssertFormat = true
			key := schemaKey(dataset, major)
			url := fmt.Sprintf("https://evidence-ledger.schemas.local/attributes/%s.schema.json", key)
			if err := c.AddResource(url, strings.NewReader(src)); err != nil {
				schemaErr = fmt.Errorf("evidence: schema %s load failed: %w", key, err)
				return
			}
			compiled, err := c.Compile(url)
			if err != nil {
				schemaErr = fmt.Errorf("evidence: schema %s compile failed: %w", key, err)
				return
			}
			compiledSchema[key] = compiled
		}
	}
}

// ValidateAttributes checks attributes against the schema for the dataset
// type and schema major version, returning one FieldError per leaf violation.
func ValidateAttributes(dataset DatasetType, major uint64, attributes map[string]any) ([]FieldError, error) {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return nil, schemaErr
	}
	schema, ok := compiledSchema[schemaKey(dataset, major)]
	if !ok {
		return []FieldError{{
			Field:   "schema_version",
			Kind:    KindUnsupportedSchemaVersion,
			Message: fmt.Sprintf("no attribute schema for %s major version %d", dataset, major),
		}}, nil
	}

	if attributes == nil {
		attributes = map[string]any{}
	}
	raw, err := json.Marshal(attributes)
	if err != nil {
		return []FieldError{{Field: "attributes", Kind: KindInvalidValue, Message: "attributes are not valid JSON"}}, nil
	}
	// Validate expects decoded JSON with numbers kept as json.Number.
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return []FieldError{{Field: "attributes", Kind: KindInvalidValue, Message: "attributes are not valid JSON"}}, nil
	}

	err = schema.Validate(doc)
	if err == nil {
		return nil, nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return nil, fmt.Errorf("evidence: attribute validation: %w", err)
	}
	var out []FieldError
	collectLeaves(ve, &out)
	return out, nil
}

func collectLeaves(ve *jsonschema.ValidationError, out *[]FieldError) {
	if len(ve.Causes) == 0 {
		field := "attributes"
		if loc := strings.Trim(ve.InstanceLocation, "/"); loc != "" {
			field += "." + strings.ReplaceAll(loc, "/", ".")
		}
		*out = append(*out, FieldError{Field: field, Kind: KindSchemaViolation, Message: ve.Message})
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, out)
	}
}
