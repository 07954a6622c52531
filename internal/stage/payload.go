package stage

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"docflow/internal/services"
)

// Payload and output keys shared by the orchestrator and stage handlers.
const (
	KeyDocumentID  = "document_id"
	KeySourceKey   = "source_key"
	KeyFilename    = "filename"
	KeyContentType = "content_type"
	KeyTextKey     = "text_key"
	KeyMetadataKey = "metadata_key"
	KeyIndexKey    = "index_key"
	KeyChunksKey   = "chunks_key"
)

const baseSchema = `{
  "type": "object",
  "additionalProperties": {"type": "string"},
  "required": [%s],
  "properties": {%s}
}`

var requiredKeys = map[Name][]string{
	Convert:         {KeyDocumentID, KeySourceKey, KeyFilename},
	ExtractMetadata: {KeyDocumentID, KeySourceKey, KeyTextKey},
	IndexA:          {KeyDocumentID, KeyTextKey, KeyMetadataKey},
	IndexB:          {KeyDocumentID, KeyTextKey, KeyMetadataKey},
}

var (
	schemaOnce sync.Once
	schemas    map[Name]*jsonschema.Schema
	schemaErr  error
)

func compileSchemas() {
	schemas = make(map[Name]*jsonschema.Schema, len(requiredKeys))
	compiler := jsonschema.NewCompiler()
	for name, keys := range requiredKeys {
		quoted := make([]string, len(keys))
		props := make([]string, len(keys))
		for i, key := range keys {
			quoted[i] = fmt.Sprintf("%q", key)
			props[i] = fmt.Sprintf("%q: {\"type\": \"string\", \"minLength\": 1}", key)
		}
		url := string(name) + ".json"
		doc := fmt.Sprintf(baseSchema, strings.Join(quoted, ", "), strings.Join(props, ", "))
		if err := compiler.AddResource(url, strings.NewReader(doc)); err != nil {
			schemaErr = fmt.Errorf("add schema %s: %w", name, err)
			return
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			schemaErr = fmt.Errorf("compile schema %s: %w", name, err)
			return
		}
		schemas[name] = schema
	}
}

// ValidatePayload checks a job payload against the stage's input schema.
// Violations are reported as services.ErrValidation so the job is not retried.
func ValidatePayload(name Name, payload map[string]string) error {
	schemaOnce.Do(compileSchemas)
	if schemaErr != nil {
		return services.Wrap(services.ErrConfiguration, string(name), "payload schema", "", schemaErr)
	}
	schema, ok := schemas[name]
	if !ok {
		return services.Wrap(services.ErrValidation, string(name), "payload schema", "unknown stage", nil)
	}
	doc := make(map[string]any, len(payload))
	for key, value := range payload {
		doc[key] = value
	}
	if err := schema.Validate(doc); err != nil {
		return services.Wrap(services.ErrValidation, string(name), "validate payload", "job payload does not match schema", err)
	}
	return nil
}
