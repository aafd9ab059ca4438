// Package firewall gates tool execution in pkg/agentrt behind an
// allowlist plus per-tool JSON Schema validation, adapted from the
// teacher's pkg/firewall.PolicyFirewall. Where the teacher's firewall
// sits in front of a Dispatcher that looks up tool implementations by
// name, this one sits in front of agentrt.Runtime's own Handler.Execute
// call: the tool name an agent declared in its Usage.Tool (from Quote)
// must be allowlisted, and its message payload — if a schema is
// registered for that tool — must validate, before Execute ever runs.
package firewall

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Firewall holds one tool allowlist plus an optional compiled JSON
// Schema per tool.
type Firewall struct {
	allowed map[string]bool
	schemas map[string]*jsonschema.Schema
}

// New constructs an empty Firewall. With no AllowTool calls made, Check
// rejects every tool — fail-closed, matching the teacher's
// PolicyFirewall.CallTool's "not in allowlist" default.
func New() *Firewall {
	return &Firewall{
		allowed: make(map[string]bool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// AllowTool admits tool into the allowlist. If schema is non-empty, it is
// compiled as a JSON Schema (2020-12) and every future Check call for
// tool must validate its payload against it.
func (f *Firewall) AllowTool(tool string, schema string) error {
	f.allowed[tool] = true
	if schema == "" {
		delete(f.schemas, tool)
		return nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://loom.schemas.local/firewall/%s.schema.json", tool)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("firewall: load schema for %q: %w", tool, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("firewall: compile schema for %q: %w", tool, err)
	}
	f.schemas[tool] = compiled
	return nil
}

// Check enforces the allowlist and, if a schema is registered for tool,
// validates payload against it. A nil payload is only accepted when no
// schema is registered — a tool with a schema always requires a
// decodable JSON object payload.
func (f *Firewall) Check(tool string, payload map[string]any) error {
	if !f.allowed[tool] {
		return fmt.Errorf("firewall: tool %q is not in the allowlist", tool)
	}
	schema, ok := f.schemas[tool]
	if !ok || schema == nil {
		return nil
	}
	if payload == nil {
		return fmt.Errorf("firewall: tool %q requires parameters, got none", tool)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("firewall: tool %q failed schema validation: %w", tool, err)
	}
	return nil
}
