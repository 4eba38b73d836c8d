package relay

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ErrInvalidPayload wraps schema and decode failures on inbound frames.
var ErrInvalidPayload = errors.New("relay: invalid payload")

// envelopes validates inbound payloads for the events that have a schema.
type envelopes struct {
	schemas map[string]*jsonschema.Schema
}

func loadEnvelopes() (*envelopes, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	e := &envelopes{schemas: make(map[string]*jsonschema.Schema, len(entries))}
	for _, entry := range entries {
		name := entry.Name()
		data, err := schemaFS.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		url := "mem://proctord/schemas/" + name
		if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		e.schemas[strings.TrimSuffix(name, ".json")] = schema
	}
	return e, nil
}

// Has reports whether event has a schema.
func (e *envelopes) Has(event string) bool {
	_, ok := e.schemas[event]
	return ok
}

// Validate checks payload against the schema for event. Events without a
// schema always pass.
func (e *envelopes) Validate(event string, payload json.RawMessage) error {
	schema, ok := e.schemas[event]
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: %s: empty payload", ErrInvalidPayload, event)
	}

	var doc any
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, event, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, event, err)
	}
	return nil
}
