package coordinator

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const paperDescriptorSchema = `{
	"type": "object",
	"properties": {
		"title": {"type": "string"},
		"authors": {"type": "string"},
		"url": {"type": "string"},
		"downloadUrl": {"type": "string"},
		"timestamp": {"type": "integer", "minimum": 0},
		"source": {"type": "string"}
	}
}`

var payloadSchemas = map[MessageType]string{
	MessageUpdateSettings: `{
		"type": "object",
		"properties": {
			"autoDownload": {"type": "boolean"},
			"enhanceSearch": {"type": "boolean"},
			"quickAccess": {"type": "boolean"},
			"downloadPath": {"type": "string"}
		}
	}`,
	MessageDownloadPaper:  paperDescriptorSchema,
	MessageRecordDownload: paperDescriptorSchema,
	MessageSearchPapers:   `{"type": "string"}`,
}

var compiledSchemas struct {
	once    sync.Once
	err     error
	schemas map[MessageType]*jsonschema.Schema
}

func payloadSchema(msgType MessageType) (*jsonschema.Schema, error) {
	compiledSchemas.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiled := make(map[MessageType]*jsonschema.Schema, len(payloadSchemas))
		for tag, text := range payloadSchemas {
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
			if err != nil {
				compiledSchemas.err = fmt.Errorf("schema %s: %w", tag, err)
				return
			}
			location := "https://paperrelay.invalid/schema/" + strings.ToLower(string(tag)) + ".json"
			if err := compiler.AddResource(location, doc); err != nil {
				compiledSchemas.err = fmt.Errorf("schema %s: %w", tag, err)
				return
			}
			schema, err := compiler.Compile(location)
			if err != nil {
				compiledSchemas.err = fmt.Errorf("schema %s: %w", tag, err)
				return
			}
			compiled[tag] = schema
		}
		compiledSchemas.schemas = compiled
	})
	if compiledSchemas.err != nil {
		return nil, compiledSchemas.err
	}
	return compiledSchemas.schemas[msgType], nil
}

// validatePayload checks a present payload against its tag's schema. Tags
// without a schema and absent payloads pass.
func (c *Coordinator) validatePayload(env Envelope) error {
	if len(env.Payload) == 0 || string(bytes.TrimSpace(env.Payload)) == "null" {
		return nil
	}
	schema, err := payloadSchema(env.Type)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandlerFault, err)
	}
	if schema == nil {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(env.Payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrInvalidInput, env.Type, err)
	}
	return nil
}
