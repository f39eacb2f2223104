package toolregistry

import "errors"

var (
	// ErrToolNotFound is returned when no tool is registered under the
	// requested name
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidDefinition is returned when a tool definition is
	// rejected at registration
	ErrInvalidDefinition = errors.New("invalid tool definition")

	// ErrDuplicateTool is returned when a tool name is already taken
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrSandboxRequired is returned by tools that cannot run without a
	// sandbox handle
	ErrSandboxRequired = errors.New("tool requires a sandbox handle")

	// ErrNoSession is returned by session-bound tools invoked without a
	// session in context
	ErrNoSession = errors.New("no session bound to invocation")
)
