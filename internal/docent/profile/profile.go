// Package profile defines the assistant profile: the system prompt, the
// greeting texts, the busy-deflection phrases, and the documentation lookup
// tools the engine may call. Profiles load from a YAML file validated against
// an embedded JSON schema; with no file configured the compiled-in defaults
// apply.
package profile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON []byte

// ToolProfile declares one documentation lookup tool and the vector
// collections it searches.
type ToolProfile struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Collections []string `yaml:"collections"`
}

// Profile is the assistant's persona and tooling.
type Profile struct {
	SystemPrompt     string        `yaml:"system_prompt"`
	Greeting         string        `yaml:"greeting"`
	RestoredGreeting string        `yaml:"restored_greeting"`
	BusyPhrases      []string      `yaml:"busy_phrases"`
	Tools            []ToolProfile `yaml:"tools"`
}

const defaultSystemPrompt = `You are Docent, an assistant that answers questions about Apache Camel.

Ground every answer in documentation fetched with the lookup tools before
answering; cite component and option names exactly as the documentation
spells them. If the documentation does not cover the question, say so
instead of guessing. Answer in Markdown.`

// Default returns the compiled-in profile used when no profile file is
// configured.
func Default() *Profile {
	return &Profile{
		SystemPrompt:     defaultSystemPrompt,
		Greeting:         "How can I help you?",
		RestoredGreeting: "OK, I remember what we talked about - how can I help?",
		BusyPhrases: []string{
			"Still working on your last question, one moment.",
			"One thing at a time, please. I'm still thinking.",
			"Hold on, I haven't finished answering yet.",
		},
		Tools: []ToolProfile{
			{
				Name:        "search_camel_documentation",
				Description: "Search the Apache Camel user manual and component reference.",
				Collections: []string{"camel-docs"},
			},
		},
	}
}

// Load reads a profile from a YAML file, validates it against the embedded
// schema, and fills unset fields from the defaults. Empty path returns the
// defaults unchanged.
func Load(path string) (*Profile, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile: %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes and validates a YAML profile document.
func Parse(data []byte) (*Profile, error) {
	if err := validate(data); err != nil {
		return nil, err
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	applyDefaults(&p)
	return &p, nil
}

// validate checks the document against the embedded JSON schema. The YAML is
// round-tripped through encoding/json first because the schema library only
// understands json-decoded values.
func validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse yaml: %w", err)
	}
	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize document: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(jsonDoc, &normalized); err != nil {
		return fmt.Errorf("normalize document: %w", err)
	}
	if err := compiledSchema.Validate(normalized); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	return nil
}

// applyDefaults fills unset fields from the compiled-in profile so a partial
// file only overrides what it names.
func applyDefaults(p *Profile) {
	def := Default()
	if p.SystemPrompt == "" {
		p.SystemPrompt = def.SystemPrompt
	}
	if p.Greeting == "" {
		p.Greeting = def.Greeting
	}
	if p.RestoredGreeting == "" {
		p.RestoredGreeting = def.RestoredGreeting
	}
	if len(p.BusyPhrases) == 0 {
		p.BusyPhrases = def.BusyPhrases
	}
	if len(p.Tools) == 0 {
		p.Tools = def.Tools
	}
}

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("profile.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("profile: add schema resource: %v", err))
	}
	schema, err := compiler.Compile("profile.schema.json")
	if err != nil {
		panic(fmt.Sprintf("profile: compile schema: %v", err))
	}
	return schema
}
