// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 akauth Contributors

package sitesession

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rhodeslab/akauth/internal/region"
)

// SchemaID is the $id of the site session snapshot schema.
const SchemaID = "https://akauth.rhodeslab.dev/schemas/site-session.schema.json"

// snapshot is the session state carried inside a signed payload.
type snapshot struct {
	UID         string      `json:"uid" jsonschema:"minLength=1,description=Game account uid"`
	Secret      string      `json:"secret" jsonschema:"minLength=1,description=Session secret issued by the game server"`
	Seqnum      uint64      `json:"seqnum" jsonschema:"minimum=0,description=Sequence number of the last authenticated call"`
	Region      region.Code `json:"region" jsonschema:"description=Server region"`
	YostarEmail string      `json:"yostarEmail,omitempty" jsonschema:"description=Email used to log in"`
	YSSID       string      `json:"yssid,omitempty" jsonschema:"description=Yostar site session id"`
	YSSIDSig    string      `json:"yssidSig,omitempty" jsonschema:"description=Yostar site session signature"`
}

var (
	compileOnce sync.Once
	compiled    *jschema.Schema
	compileErr  error
)

// GenerateSchema generates the JSON Schema of the session snapshot.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := r.Reflect(&snapshot{})

	schema.ID = jsonschema.ID(SchemaID)
	schema.Title = "akauth Site Session"
	schema.Description = "Session snapshot carried in a signed site session payload"

	if prop, ok := schema.Properties.Get("region"); ok {
		for _, code := range region.All {
			prop.Enum = append(prop.Enum, string(code))
		}
	}

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	return data, nil
}

// validateSnapshot checks raw snapshot JSON against the schema.
func validateSnapshot(data []byte) error {
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	v, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func compiledSchema() (*jschema.Schema, error) {
	compileOnce.Do(func() {
		data, err := GenerateSchema()
		if err != nil {
			compileErr = err
			return
		}
		doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			compileErr = fmt.Errorf("failed to parse schema: %w", err)
			return
		}

		c := jschema.NewCompiler()
		if err := c.AddResource("site-session.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("failed to add schema resource: %w", err)
			return
		}
		compiled, compileErr = c.Compile("site-session.schema.json")
	})
	return compiled, compileErr
}
