// Package tools maps the tool ids a user can toggle to the names the backend
// expects in selected_tools.
package tools

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Tool is one selectable integration.
type Tool struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Backend string `yaml:"backend" json:"backend"`
}

// Catalog is an ordered, immutable set of tools.
type Catalog struct {
	tools []Tool
	byID  map[string]Tool
}

// Default returns the built-in catalog.
func Default() *Catalog {
	c, _ := New([]Tool{
		{ID: "gmail", Name: "Gmail", Backend: "gmail_mcp"},
		{ID: "calendar", Name: "Google Calendar", Backend: "google_calendar_mcp"},
		{ID: "websearch", Name: "Web Search", Backend: "web_search"},
	})
	return c
}

// New validates tools and builds a catalog.
func New(tools []Tool) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if t.ID == "" || t.Backend == "" {
			return nil, fmt.Errorf("tool %q: id and backend are required", t.ID)
		}
		if _, dup := c.byID[t.ID]; dup {
			return nil, fmt.Errorf("tool %q: duplicate id", t.ID)
		}
		if t.Name == "" {
			t.Name = t.ID
		}
		c.tools = append(c.tools, t)
		c.byID[t.ID] = t
	}
	return c, nil
}

type catalogFile struct {
	Tools []Tool `yaml:"tools"`
}

// Load reads a YAML catalog from path. An empty path returns Default.
//
//	tools:
//	  - id: gmail
//	    name: Gmail
//	    backend: gmail_mcp
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tool catalog: %w", err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse tool catalog: %w", err)
	}
	if len(file.Tools) == 0 {
		return nil, fmt.Errorf("tool catalog %s defines no tools", path)
	}
	return New(file.Tools)
}

// List returns the tools in catalog order.
func (c *Catalog) List() []Tool {
	return slices.Clone(c.tools)
}

// Has reports whether id is a known tool.
func (c *Catalog) Has(id string) bool {
	_, ok := c.byID[id]
	return ok
}

// Resolve maps ids to backend names. Unknown ids are dropped.
func (c *Catalog) Resolve(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if t, ok := c.byID[id]; ok {
			out = append(out, t.Backend)
		}
	}
	return out
}
