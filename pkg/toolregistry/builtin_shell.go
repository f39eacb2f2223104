package toolregistry

import (
	"context"

	"github.com/neul-labs/openclaw/pkg/sandbox"
)

// ShellTool returns the builtin that runs a command line inside the
// acquired sandbox handle. It is the only builtin that reaches OS exec.
func ShellTool() Definition {
	return Definition{
		Name:         "shell",
		Description:  "Run a shell command in the sandboxed workspace and return its output and exit code.",
		NeedsSandbox: true,
		Parameters: []Parameter{
			{
				Name:        "command",
				Type:        "string",
				Description: "The command line to run with /bin/sh -c",
				Required:    true,
			},
		},
		Execute: func(ctx context.Context, params map[string]interface{}, handle *sandbox.Handle) (interface{}, error) {
			if handle == nil {
				return nil, ErrSandboxRequired
			}

			command, _ := params["command"].(string)
			output, err := handle.Run(ctx, []string{"/bin/sh", "-c", command})
			if err != nil {
				return nil, err
			}

			// Non-zero exit is an outcome the model inspects, not a
			// tool failure
			return map[string]interface{}{
				"stdout":      string(output.Stdout),
				"stderr":      string(output.Stderr),
				"exit_code":   output.ExitCode,
				"duration_ms": output.Duration.Milliseconds(),
			}, nil
		},
	}
}
