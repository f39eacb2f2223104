package toolregistry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"

	"github.com/neul-labs/openclaw/internal/observability"
	"github.com/neul-labs/openclaw/pkg/sandbox"
)

const (
	// DefaultTimeout bounds one tool execution
	DefaultTimeout = 60 * time.Second

	// DefaultMaxOutputBytes is the result size ceiling before truncation
	DefaultMaxOutputBytes = 10 * 1024
)

// Parameter defines a parameter for a tool
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// ExecutorFunc is the function signature for tool execution. The
// sandbox handle is nil for tools that never touch the host.
type ExecutorFunc func(ctx context.Context, params map[string]interface{}, handle *sandbox.Handle) (interface{}, error)

// Definition defines a tool's metadata and executor
type Definition struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Parameters  []Parameter  `json:"parameters"`
	Execute     ExecutorFunc `json:"-"`

	// NeedsSandbox marks executors that run host commands through a
	// sandbox handle. Callers acquire a scoped handle for these
	// invocations only.
	NeedsSandbox bool `json:"needs_sandbox,omitempty"`

	// PluginID is set for tools bridged from an external plugin
	PluginID string `json:"plugin_id,omitempty"`
}

// Schema is a tool definition in the shape providers advertise to the
// model: a name, a description, and a JSON-schema input object.
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Registry manages and executes tools
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]*Definition
	schemas   map[string]*gojsonschema.Schema
	timeout   time.Duration
	maxOutput int
}

// New creates a tool registry. Zero timeout or output ceiling selects
// the defaults.
func New(timeout time.Duration, maxOutputBytes int) *Registry {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = DefaultMaxOutputBytes
	}

	r := &Registry{
		tools:     make(map[string]*Definition),
		schemas:   make(map[string]*gojsonschema.Schema),
		timeout:   timeout,
		maxOutput: maxOutputBytes,
	}

	log.Info().Dur("timeout", timeout).Int("max_output_bytes", maxOutputBytes).Msg("Tool registry initialized")

	return r
}

// Register registers a new tool
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}

	schema, err := compileSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, def.Name)
	}

	r.tools[def.Name] = &def
	r.schemas[def.Name] = schema

	log.Info().Str("tool", def.Name).Str("plugin", def.PluginID).Msg("Tool registered")

	return nil
}

// Unregister removes a tool
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.tools, name)
	delete(r.schemas, name)

	log.Info().Str("tool", name).Msg("Tool unregistered")
}

// Get returns a tool definition by name, or nil
func (r *Registry) Get(name string) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tools[name]
}

// List returns all registered tool names, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// Count returns the number of registered tools
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.tools)
}

// Definitions returns every registered tool in provider tool format,
// sorted by name.
func (r *Registry) Definitions() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Schema, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, Schema{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: inputSchemaMap(*tool),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	return defs
}

// Execute runs a tool with the given parameters. An unknown tool name
// is the only error return; validation failures, executor errors, and
// timeouts all fold into a failed Result.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}, handle *sandbox.Handle) (Result, error) {
	start := time.Now()

	r.mu.RLock()
	tool := r.tools[name]
	schema := r.schemas[name]
	r.mu.RUnlock()

	if tool == nil {
		log.Warn().Str("tool", name).Msg("Tool not found")
		return Result{}, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	if err := validateParams(schema, params); err != nil {
		log.Warn().Str("tool", name).Err(err).Msg("Parameter validation failed")
		observability.RecordToolExecution(name, time.Since(start), false)
		return Result{
			Success:    false,
			Error:      fmt.Sprintf("parameter validation failed: %v", err),
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	log.Debug().Str("tool", name).Msg("Executing tool")

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resultChan := make(chan interface{}, 1)
	errChan := make(chan error, 1)

	go func() {
		output, err := tool.Execute(execCtx, params, handle)
		if err != nil {
			errChan <- err
		} else {
			resultChan <- output
		}
	}()

	select {
	case output := <-resultChan:
		duration := time.Since(start)
		truncated, wasTruncated := r.truncateOutput(output)

		log.Debug().
			Str("tool", name).
			Dur("duration", duration).
			Bool("truncated", wasTruncated).
			Msg("Tool execution completed")
		observability.RecordToolExecution(name, duration, true)

		return Result{
			Success:    true,
			Output:     truncated,
			Truncated:  wasTruncated,
			DurationMs: duration.Milliseconds(),
		}, nil

	case err := <-errChan:
		duration := time.Since(start)

		log.Warn().
			Str("tool", name).
			Dur("duration", duration).
			Err(err).
			Msg("Tool execution failed")
		observability.RecordToolExecution(name, duration, false)

		return Result{
			Success:    false,
			Error:      err.Error(),
			DurationMs: duration.Milliseconds(),
		}, nil

	case <-execCtx.Done():
		duration := time.Since(start)

		log.Warn().
			Str("tool", name).
			Dur("duration", duration).
			Msg("Tool execution timeout")
		observability.RecordToolExecution(name, duration, false)

		return Result{
			Success:    false,
			Error:      fmt.Sprintf("tool execution timeout after %v", r.timeout),
			TimedOut:   true,
			DurationMs: duration.Milliseconds(),
		}, nil
	}
}

// validateDefinition validates a tool definition
func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidDefinition)
	}
	if def.Description == "" {
		return fmt.Errorf("%w: description cannot be empty for %s", ErrInvalidDefinition, def.Name)
	}
	if def.Execute == nil {
		return fmt.Errorf("%w: executor cannot be nil for %s", ErrInvalidDefinition, def.Name)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, param := range def.Parameters {
		if param.Name == "" {
			return fmt.Errorf("%w: parameter name cannot be empty for %s", ErrInvalidDefinition, def.Name)
		}
		if !validTypes[param.Type] {
			return fmt.Errorf("%w: invalid parameter type %s for %s.%s", ErrInvalidDefinition, param.Type, def.Name, param.Name)
		}
		if param.Description == "" {
			return fmt.Errorf("%w: parameter description cannot be empty for %s.%s", ErrInvalidDefinition, def.Name, param.Name)
		}
	}

	return nil
}

// inputSchemaMap renders a definition's parameters as a JSON-schema
// object map.
func inputSchemaMap(def Definition) map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range def.Parameters {
		paramSchema := map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		sort.Strings(required)
		schemaMap["required"] = required
	}

	return schemaMap
}

// compileSchema compiles the JSON schema used to validate call params
func compileSchema(def Definition) (*gojsonschema.Schema, error) {
	loader := gojsonschema.NewGoLoader(inputSchemaMap(def))
	return gojsonschema.NewSchema(loader)
}

// validateParams validates parameters against a compiled schema
func validateParams(schema *gojsonschema.Schema, params map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return err
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, verr := range result.Errors() {
			msgs = append(msgs, verr.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}

	return nil
}
