// Package schemas infers the parameter schema of inline runnables from their
// code and keeps a typed declaration file (wmill.d.ts) for the app front end
// in sync with them.
//
// Inferred schemas live only in memory for the lifetime of the process; the
// runnable definitions on disk are never rewritten.
package schemas

import (
	"encoding/json"
	"sort"
	"sync"
)

// JSONSchemaDraft is the dialect of every generated schema.
const JSONSchemaDraft = "https://json-schema.org/draft/2020-12/schema"

// Property describes one parameter.
type Property struct {
	// Type is a JSON schema type; empty means any value
	Type        string    `json:"type,omitempty"`
	Format      string    `json:"format,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	Items       *Property `json:"items,omitempty"`
	Default     any       `json:"default,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Schema is the parameter schema of a runnable's main function.
type Schema struct {
	Schema     string               `json:"$schema"`
	Type       string               `json:"type"`
	Properties map[string]*Property `json:"properties"`
	Required   []string             `json:"required"`

	// Order is the declaration order of the parameters
	Order []string `json:"order"`
}

func newSchema() *Schema {
	return &Schema{
		Schema:     JSONSchemaDraft,
		Type:       "object",
		Properties: map[string]*Property{},
		Required:   []string{},
		Order:      []string{},
	}
}

func (s *Schema) add(name string, p *Property, required bool) {
	if _, exists := s.Properties[name]; exists {
		return
	}
	s.Properties[name] = p
	s.Order = append(s.Order, name)
	if required {
		s.Required = append(s.Required, name)
	}
}

// IsRequired reports whether name is a required parameter.
func (s *Schema) IsRequired(name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// SortedNames returns the parameter names in lexical order.
func (s *Schema) SortedNames() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseSchema decodes a stored schema. It returns nil when data is empty or
// not an object schema.
func ParseSchema(data json.RawMessage) *Schema {
	if len(data) == 0 {
		return nil
	}
	s := newSchema()
	if err := json.Unmarshal(data, s); err != nil || s.Properties == nil {
		return nil
	}
	return s
}

// Cache maps runnable ids to inferred schemas. It is safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{schemas: make(map[string]*Schema)}
}

// Set stores the schema for a runnable, replacing any previous one.
func (c *Cache) Set(id string, s *Schema) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schemas[id] = s
}

// Get returns the schema for a runnable.
func (c *Cache) Get(id string) (*Schema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.schemas[id]
	return s, ok
}

// Delete forgets a runnable.
func (c *Cache) Delete(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.schemas, id)
}

// Len returns the number of cached schemas.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.schemas)
}

// Snapshot returns a copy of the id to schema map.
func (c *Cache) Snapshot() map[string]*Schema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*Schema, len(c.schemas))
	for id, s := range c.schemas {
		out[id] = s
	}
	return out
}
