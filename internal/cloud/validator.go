package cloud

import (
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var schemaFS embed.FS

// 入站消息的 schema
const (
	schemaDelta  = "shadow-delta.json"
	schemaAck    = "shadow-ack.json"
	schemaDevice = "device-event.json"
)

// Validator 入站消息校验
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator 编译内置 schema
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	names := []string{schemaDelta, schemaAck, schemaDevice}
	for _, name := range names {
		f, err := schemaFS.Open("schema/" + name)
		if err != nil {
			return nil, fmt.Errorf("open schema %s: %w", name, err)
		}
		err = compiler.AddResource(name, f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to add schema resource: %w", err)
		}
	}

	v := &Validator{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for _, name := range names {
		s, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
		}
		v.schemas[name] = s
	}
	return v, nil
}

// Validate 按 schema 校验消息
func (v *Validator) Validate(schema string, data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	s, ok := v.schemas[schema]
	if !ok {
		return fmt.Errorf("unknown schema %s", schema)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
