// Package router chooses exactly one handler for an inbound message. The
// decision pipeline is: candidate narrowing, lexical+semantic hybrid
// ranking with per-route thresholds, optional AI fallback, and an additive
// ensemble. Router errors never propagate; they degrade to a clarification
// with the top candidates as hints.
package router

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// RouteDef is one routable handler with its example utterances.
type RouteDef struct {
	Name               string   `json:"name"`
	Threshold          float64  `json:"threshold"`
	Utterances         []string `json:"utterances"`
	NegativeUtterances []string `json:"negativeUtterances,omitempty"`
}

// RoutesFile is the persisted routes document.
type RoutesFile struct {
	Version int        `json:"version"`
	Routes  []RouteDef `json:"routes"`
}

const routesSchema = `{
	"type": "object",
	"required": ["version", "routes"],
	"properties": {
		"version": {"type": "integer", "minimum": 1},
		"routes": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "threshold", "utterances"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"threshold": {"type": "number", "minimum": 0, "maximum": 1},
					"utterances": {
						"type": "array",
						"minItems": 1,
						"items": {"type": "string", "minLength": 1}
					},
					"negativeUtterances": {
						"type": "array",
						"items": {"type": "string", "minLength": 1}
					}
				}
			}
		}
	}
}`

var compiledRoutesSchema = mustCompileSchema("routes.json", routesSchema)

func mustCompileSchema(name, raw string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(raw)))
	if err != nil {
		panic(fmt.Sprintf("parse %s schema: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("add %s schema: %v", name, err))
	}
	s, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("compile %s schema: %v", name, err))
	}
	return s
}

// ParseRoutes validates raw JSON against the routes schema and decodes it.
func ParseRoutes(raw []byte) (*RoutesFile, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse routes json: %w", err)
	}
	if err := compiledRoutesSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("routes schema: %w", err)
	}
	var rf RoutesFile
	if err := json.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("decode routes: %w", err)
	}
	seen := make(map[string]bool, len(rf.Routes))
	for _, r := range rf.Routes {
		if seen[r.Name] {
			return nil, fmt.Errorf("duplicate route %q", r.Name)
		}
		seen[r.Name] = true
	}
	return &rf, nil
}

// LoadRoutes reads and validates a routes file from disk.
func LoadRoutes(path string) (*RoutesFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read routes file: %w", err)
	}
	return ParseRoutes(raw)
}

// SaveRoutes writes the document atomically (write then rename).
func SaveRoutes(path string, rf *RoutesFile) error {
	raw, err := json.MarshalIndent(rf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode routes: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write routes tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename routes file: %w", err)
	}
	return nil
}
