// Package toolregistry registers and executes schema-validated tools.
//
// Invariants:
// - Tool names are unique within a registry.
// - Parameters are validated against the tool's JSON schema before the
//   executor runs.
// - Execution is bounded by the registry timeout; a timeout yields a
//   failed Result, never a blocked caller.
// - Results larger than the output ceiling are truncated with a marker.
//
// Usage:
//
//	reg := toolregistry.New(30*time.Second, 10*1024)
//	_ = reg.Register(toolregistry.Definition{
//		Name:        "echo",
//		Description: "Echo input",
//		Parameters:  []toolregistry.Parameter{{Name: "text", Type: "string", Description: "text to echo", Required: true}},
//		Execute: func(ctx context.Context, params map[string]interface{}, handle *sandbox.Handle) (interface{}, error) {
//			return params["text"], nil
//		},
//	})
//	result, err := reg.Execute(ctx, "echo", map[string]interface{}{"text": "hi"}, nil)
package toolregistry
