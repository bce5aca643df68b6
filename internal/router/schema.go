// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package router

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/coordcore/core/internal/registry"
)

// schemaValidator compiles and caches santhosh-tekuri/jsonschema/v6
// schemas keyed by a hash of their bytes, since the same ToolSchema is
// validated against on every call but only changes on rediscovery.
type schemaValidator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

func newSchemaValidator() schemaValidator {
	return schemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// validate checks args against schema.InputSchema. Returns the JSON
// pointer of the first violating field (empty if the schema itself is
// malformed or absent) and a non-nil error if validation failed.
func (v *schemaValidator) validate(schema registry.ToolSchema, args []byte) (field string, err error) {
	if len(schema.InputSchema) == 0 {
		return "", nil
	}

	compiled, err := v.compiledFor(schema)
	if err != nil {
		return "", fmt.Errorf("compile input schema for %s: %w", schema.QualifiedName(), err)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}

	if err := compiled.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return firstViolatingField(verr), err
		}
		return "", err
	}
	return "", nil
}

func (v *schemaValidator) compiledFor(schema registry.ToolSchema) (*jsonschema.Schema, error) {
	key := cacheKey(schema)

	v.mu.Lock()
	if cached, ok := v.cache[key]; ok {
		v.mu.Unlock()
		return cached, nil
	}
	v.mu.Unlock()

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema.InputSchema))
	if err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	resourceURL := "mem://" + key
	if err := compiler.AddResource(resourceURL, doc); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(resourceURL)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[key] = compiled
	v.mu.Unlock()
	return compiled, nil
}

func cacheKey(schema registry.ToolSchema) string {
	sum := sha256.Sum256(schema.InputSchema)
	return schema.ServerID + "." + schema.ToolName + "." + hex.EncodeToString(sum[:8])
}

// firstViolatingField walks to the deepest cause, which jsonschema orders
// as the most specific failure, and returns its instance location as a
// JSON pointer.
func firstViolatingField(verr *jsonschema.ValidationError) string {
	cur := verr
	for len(cur.Causes) > 0 {
		cur = cur.Causes[0]
	}
	return "/" + joinPointer(cur.InstanceLocation)
}

func joinPointer(loc []string) string {
	out := ""
	for i, seg := range loc {
		if i > 0 {
			out += "/"
		}
		out += seg
	}
	return out
}
