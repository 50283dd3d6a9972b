package schema

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Agent is a conversational form definition: persona plus schema.
type Agent struct {
	Slug     string  `yaml:"slug"`
	Name     string  `yaml:"name"`
	Persona  string  `yaml:"persona"`
	Greeting string  `yaml:"greeting"`
	Password string  `yaml:"password"`
	Fields   []Field `yaml:"fields"`

	schema *Schema
}

// Schema returns the validated schema for the agent.
func (a *Agent) Schema() *Schema {
	return a.schema
}

// RequiresPassword reports whether starting a session needs a credential.
func (a *Agent) RequiresPassword() bool {
	return a.Password != ""
}

type agentsFile struct {
	Agents []*Agent `yaml:"agents"`
}

// Registry holds agents by slug.
type Registry struct {
	agents map[string]*Agent
	order  []string
}

// LoadAgents reads an agents YAML file.
func LoadAgents(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agents file: %w", err)
	}
	return ParseAgents(data)
}

// ParseAgents parses agent definitions and validates every schema.
func ParseAgents(data []byte) (*Registry, error) {
	var file agentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agents file: %w", err)
	}

	reg := &Registry{agents: make(map[string]*Agent, len(file.Agents))}
	for _, a := range file.Agents {
		if a == nil || a.Slug == "" {
			return nil, errors.New("agent slug cannot be empty")
		}
		if _, exists := reg.agents[a.Slug]; exists {
			return nil, fmt.Errorf("duplicate agent slug: %s", a.Slug)
		}
		s, err := New(a.Fields)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.Slug, err)
		}
		a.schema = s
		reg.agents[a.Slug] = a
		reg.order = append(reg.order, a.Slug)
	}

	return reg, nil
}

// Get returns the agent with the given slug.
func (r *Registry) Get(slug string) (*Agent, bool) {
	a, ok := r.agents[slug]
	return a, ok
}

// Slugs returns agent slugs in file order.
func (r *Registry) Slugs() []string {
	return append([]string(nil), r.order...)
}
