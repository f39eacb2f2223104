package toolregistry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/projection"
	"github.com/neul-labs/openclaw/pkg/sandbox"
)

// SessionStateTool returns the builtin that reads and writes custom
// session state. Writes append a state_changed event to the session
// log; reads resolve through the projection, so last-writer-wins
// semantics apply.
func SessionStateTool(lg *eventlog.Log, engine *projection.Engine) Definition {
	return Definition{
		Name:        "session_state",
		Description: "Get or set a named state value on the current session. Values persist across turns.",
		Parameters: []Parameter{
			{
				Name:        "action",
				Type:        "string",
				Description: "Either \"get\" or \"set\"",
				Required:    true,
			},
			{
				Name:        "key",
				Type:        "string",
				Description: "The state key",
				Required:    true,
			},
			{
				Name:        "value",
				Type:        "string",
				Description: "The value to store (set only)",
				Required:    false,
			},
		},
		Execute: func(ctx context.Context, params map[string]interface{}, _ *sandbox.Handle) (interface{}, error) {
			inv := InvocationFromContext(ctx)
			if inv == nil || inv.SessionKey == "" {
				return nil, ErrNoSession
			}

			action, _ := params["action"].(string)
			key, _ := params["key"].(string)

			switch action {
			case "get":
				proj, err := engine.ProjectWithContext(ctx, inv.SessionKey)
				if err != nil {
					return nil, fmt.Errorf("failed to project session: %w", err)
				}
				sv, found := proj.CustomState[key]
				result := map[string]interface{}{
					"key":   key,
					"found": found,
				}
				if found {
					result["value"] = json.RawMessage(sv.Value)
				}
				return result, nil

			case "set":
				value, _ := params["value"].(string)
				raw, err := json.Marshal(value)
				if err != nil {
					return nil, fmt.Errorf("failed to encode value: %w", err)
				}

				event, err := lg.AppendWithContext(ctx, inv.SessionKey, inv.AgentID, eventlog.StateChanged{
					Key:   key,
					Value: raw,
				})
				if err != nil {
					return nil, fmt.Errorf("failed to record state change: %w", err)
				}

				return map[string]interface{}{
					"key":      key,
					"sequence": event.Sequence,
				}, nil

			default:
				return nil, fmt.Errorf("unknown action %q (must be get or set)", action)
			}
		},
	}
}
