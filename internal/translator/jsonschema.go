// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package translator

import (
	"errors"
	"fmt"
	"strings"
)

// schemaMaxDepth bounds both $ref resolution and keyword rewriting so a
// hostile schema cannot recurse the gateway to death.
const schemaMaxDepth = 100

var (
	errSchemaTooDeep = errors.New("maximum schema nesting depth exceeded")
	errInvalidSchema = errors.New("invalid JSON schema")
)

// geminiSchemaKeywords are the schema keywords generateContent accepts inside
// function declarations. Everything else, notably $schema, $defs and
// additionalProperties, causes a 400 from the API and must be dropped.
// https://ai.google.dev/api/caching#Schema
var geminiSchemaKeywords = map[string]struct{}{
	"anyOf":            {},
	"default":          {},
	"description":      {},
	"enum":             {},
	"example":          {},
	"format":           {},
	"items":            {},
	"maxItems":         {},
	"maxLength":        {},
	"maxProperties":    {},
	"maximum":          {},
	"minItems":         {},
	"minLength":        {},
	"minProperties":    {},
	"minimum":          {},
	"nullable":         {},
	"pattern":          {},
	"properties":       {},
	"propertyOrdering": {},
	"required":         {},
	"title":            {},
	"type":             {},
}

// geminiToolParameters rewrites a tool's JSON schema into the subset Gemini
// function declarations accept: local $ref pointers are inlined, [T, "null"]
// type unions fold into nullable, single-element allOf unwraps, and keywords
// outside the allowlist are dropped.
func geminiToolParameters(schema map[string]any) (map[string]any, error) {
	resolved, err := dereferenceSchema(schema, schema, make(map[string]struct{}), 0)
	if err != nil {
		return nil, err
	}
	root, ok := resolved.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: root must be an object, got %T", errInvalidSchema, resolved)
	}
	return sanitizeSchema(root, 0)
}

// dereferenceSchema walks obj and replaces every {"$ref": "#/..."} node with
// the subtree it points to inside root. It rebuilds containers as it goes, so
// the input is never mutated. The active set holds the pointers currently
// being expanded, which turns circular references into errors instead of
// infinite recursion.
func dereferenceSchema(obj any, root map[string]any, active map[string]struct{}, depth int) (any, error) {
	if depth >= schemaMaxDepth {
		return nil, fmt.Errorf("%w (%d)", errSchemaTooDeep, schemaMaxDepth)
	}
	switch v := obj.(type) {
	case map[string]any:
		if ref, ok := v["$ref"]; ok {
			pointer, ok := ref.(string)
			if !ok {
				return nil, fmt.Errorf("%w: $ref must be a string, got %T", errInvalidSchema, ref)
			}
			if _, expanding := active[pointer]; expanding {
				return nil, fmt.Errorf("%w: circular reference via %q", errInvalidSchema, pointer)
			}
			target, err := resolveSchemaRef(pointer, root)
			if err != nil {
				return nil, err
			}
			active[pointer] = struct{}{}
			resolved, err := dereferenceSchema(target, root, active, depth+1)
			delete(active, pointer)
			return resolved, err
		}
		out := make(map[string]any, len(v))
		for key, value := range v {
			resolved, err := dereferenceSchema(value, root, active, depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, element := range v {
			resolved, err := dereferenceSchema(element, root, active, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return obj, nil
	}
}

// resolveSchemaRef resolves a document-local JSON pointer such as
// "#/$defs/address" against the schema root.
func resolveSchemaRef(pointer string, root map[string]any) (any, error) {
	rest, ok := strings.CutPrefix(pointer, "#/")
	if !ok {
		return nil, fmt.Errorf("%w: only document-local $ref pointers are supported, got %q", errInvalidSchema, pointer)
	}
	var current any = root
	for _, component := range strings.Split(rest, "/") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: $ref %q traverses a non-object", errInvalidSchema, pointer)
		}
		current, ok = m[component]
		if !ok {
			return nil, fmt.Errorf("%w: $ref %q does not resolve", errInvalidSchema, pointer)
		}
	}
	return current, nil
}

// sanitizeSchema converts one dereferenced schema object. Keywords with
// subschemas recurse, the rest pass through the allowlist.
func sanitizeSchema(schema map[string]any, depth int) (map[string]any, error) {
	if depth >= schemaMaxDepth {
		return nil, fmt.Errorf("%w (%d)", errSchemaTooDeep, schemaMaxDepth)
	}
	out := make(map[string]any, len(schema))
	for key, value := range schema {
		switch key {
		case "type":
			normalized, err := normalizeSchemaType(value)
			if err != nil {
				return nil, err
			}
			for k, v := range normalized {
				out[k] = v
			}
		case "properties":
			properties, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: properties must be an object, got %T", errInvalidSchema, value)
			}
			converted := make(map[string]any, len(properties))
			for name, sub := range properties {
				subSchema, ok := sub.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("%w: property %q must be an object", errInvalidSchema, name)
				}
				c, err := sanitizeSchema(subSchema, depth+1)
				if err != nil {
					return nil, err
				}
				converted[name] = c
			}
			out["properties"] = converted
		case "items":
			subSchema, ok := value.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: items must be an object, got %T", errInvalidSchema, value)
			}
			converted, err := sanitizeSchema(subSchema, depth+1)
			if err != nil {
				return nil, err
			}
			out["items"] = converted
		case "anyOf":
			variants, nullable, err := sanitizeAnyOf(value, depth)
			if err != nil {
				return nil, err
			}
			if nullable {
				out["nullable"] = true
			}
			if len(variants) > 0 {
				out["anyOf"] = variants
			}
		case "allOf":
			// handled after the loop so sibling keywords win determinately
		default:
			if _, allowed := geminiSchemaKeywords[key]; allowed {
				out[key] = value
			}
		}
	}
	if value, ok := schema["allOf"]; ok {
		merged, err := sanitizeAllOf(value, depth)
		if err != nil {
			return nil, err
		}
		for k, v := range merged {
			if _, exists := out[k]; !exists {
				out[k] = v
			}
		}
	}
	return out, nil
}

// sanitizeAnyOf converts the anyOf variants. A {"type": "null"} variant is
// removed and reported as nullable, which is how the Gemini schema dialect
// expresses optionality.
func sanitizeAnyOf(value any, depth int) ([]any, bool, error) {
	list, ok := value.([]any)
	if !ok || len(list) == 0 {
		return nil, false, fmt.Errorf("%w: anyOf must be a non-empty array", errInvalidSchema)
	}
	variants := make([]any, 0, len(list))
	nullable := false
	for i, element := range list {
		subSchema, ok := element.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("%w: anyOf[%d] must be an object", errInvalidSchema, i)
		}
		if t, exists := subSchema["type"]; exists && t == "null" {
			nullable = true
			continue
		}
		converted, err := sanitizeSchema(subSchema, depth+1)
		if err != nil {
			return nil, false, err
		}
		variants = append(variants, converted)
	}
	return variants, nullable, nil
}

// sanitizeAllOf unwraps a single-element allOf, the shape schema generators
// emit for referenced object types once the $ref has been inlined.
func sanitizeAllOf(value any, depth int) (map[string]any, error) {
	list, ok := value.([]any)
	if !ok || len(list) != 1 {
		return nil, fmt.Errorf("%w: only single-element allOf is supported", errInvalidSchema)
	}
	subSchema, ok := list[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: allOf[0] must be an object", errInvalidSchema)
	}
	return sanitizeSchema(subSchema, depth+1)
}

// normalizeSchemaType folds JSON Schema type unions into the Gemini dialect:
// a plain string passes through, ["string", "null"] becomes type string plus
// nullable true. Unions of two concrete types have no Gemini equivalent.
func normalizeSchemaType(value any) (map[string]any, error) {
	switch v := value.(type) {
	case string:
		return map[string]any{"type": v}, nil
	case []any:
		var concrete string
		nullable := false
		for _, t := range v {
			name, ok := t.(string)
			if !ok {
				return nil, fmt.Errorf("%w: type array elements must be strings, got %T", errInvalidSchema, t)
			}
			switch {
			case name == "null":
				nullable = true
			case concrete == "":
				concrete = name
			default:
				return nil, fmt.Errorf("%w: type unions beyond [T, \"null\"] are not supported", errInvalidSchema)
			}
		}
		if concrete == "" {
			return nil, fmt.Errorf("%w: type array carries no concrete type", errInvalidSchema)
		}
		out := map[string]any{"type": concrete}
		if nullable {
			out["nullable"] = true
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: type must be a string or an array, got %T", errInvalidSchema, value)
	}
}
