package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/neul-labs/openclaw/internal/tracing"
	"github.com/neul-labs/openclaw/pkg/eventlog"
	"github.com/neul-labs/openclaw/pkg/runtime"
	"github.com/neul-labs/openclaw/pkg/sessionindex"
)

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("deliver", s.handleDeliver)
	_ = s.router.RegisterMethod("abort", s.handleAbort)
	_ = s.router.RegisterMethod("subscribe", s.handleSubscribe)
	_ = s.router.RegisterMethod("sessions.list", s.handleSessionsList)
	_ = s.router.RegisterMethod("sessions.get", s.handleSessionsGet)
	_ = s.router.RegisterMethod("sessions.end", s.handleSessionsEnd)
	_ = s.router.RegisterMethod("status", s.handleStatus)
}

// stringParam extracts a required string parameter.
func stringParam(params map[string]interface{}, name string) (string, error) {
	value, ok := params[name].(string)
	if !ok || value == "" {
		return "", &RPCError{
			Code:    InvalidParams,
			Message: fmt.Sprintf("%s parameter is required and must be a string", name),
		}
	}
	return value, nil
}

// rpcErrorFor maps runtime turn failures onto RPC error codes. The
// failure code travels in the error data so clients can branch on it.
func rpcErrorFor(err error) error {
	var failure *runtime.TurnFailure
	if !errors.As(err, &failure) {
		return err
	}

	code := InternalError
	switch failure.Code {
	case runtime.FailureInvalidKey, runtime.FailureUnknownAgent:
		code = InvalidParams
	case runtime.FailureSessionEnded, runtime.FailureSessionFailed, runtime.FailureQueueRejected:
		code = SessionUnavailable
	}

	return &RPCError{
		Code:    code,
		Message: failure.Message,
		Data:    map[string]string{"failure": failure.Code},
	}
}

// handleDeliver runs one agent turn for an inbound message and returns
// the completed turn result.
func (s *Server) handleDeliver(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}

	content, ok := params["content"].(string)
	if !ok {
		return nil, &RPCError{
			Code:    InvalidParams,
			Message: "content parameter is required and must be a string",
		}
	}

	attachments, err := attachmentParams(params["attachments"])
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionKey(ctx, sessionKey)

	result, err := s.runtime.Deliver(ctx, eventlog.SessionKey(sessionKey), content, attachments)
	if err != nil {
		return nil, rpcErrorFor(err)
	}
	return result, nil
}

func attachmentParams(raw interface{}) ([]eventlog.AttachmentMeta, error) {
	if raw == nil {
		return nil, nil
	}

	items, ok := raw.([]interface{})
	if !ok {
		return nil, &RPCError{Code: InvalidParams, Message: "attachments must be an array of objects"}
	}

	metas := make([]eventlog.AttachmentMeta, 0, len(items))
	for _, item := range items {
		fields, ok := item.(map[string]interface{})
		if !ok {
			return nil, &RPCError{Code: InvalidParams, Message: "attachments entries must be objects"}
		}
		meta := eventlog.AttachmentMeta{}
		if kind, ok := fields["kind"].(string); ok {
			meta.Kind = kind
		}
		if mime, ok := fields["mimeType"].(string); ok {
			meta.MimeType = mime
		}
		if size, ok := fields["size"].(float64); ok {
			meta.Size = int64(size)
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

// handleAbort cancels the in-flight turn for a session, if any.
func (s *Server) handleAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}

	aborted := s.runtime.Abort(eventlog.SessionKey(sessionKey))
	return map[string]interface{}{
		"aborted": aborted,
	}, nil
}

// handleSubscribe sets the calling connection's session filter. An
// empty key list subscribes to every session.
func (s *Server) handleSubscribe(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	clientID := clientIDFromContext(ctx)
	if clientID == "" {
		return nil, &RPCError{Code: InvalidRequest, Message: "subscribe requires a websocket connection"}
	}

	client, ok := s.clients.Get(clientID)
	if !ok {
		return nil, &RPCError{Code: InvalidRequest, Message: "connection is no longer registered"}
	}

	keys := []eventlog.SessionKey{}
	if raw, present := params["sessionKeys"]; present && raw != nil {
		items, ok := raw.([]interface{})
		if !ok {
			return nil, &RPCError{Code: InvalidParams, Message: "sessionKeys must be an array of strings"}
		}
		for _, item := range items {
			str, ok := item.(string)
			if !ok {
				return nil, &RPCError{Code: InvalidParams, Message: "sessionKeys must be an array of strings"}
			}
			key := eventlog.SessionKey(str)
			if _, err := eventlog.ParseKey(key); err != nil {
				return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid session key %q", str)}
			}
			keys = append(keys, key)
		}
	}

	client.setSubscriptions(keys)

	subscribed := make([]string, 0, len(keys))
	for _, key := range keys {
		subscribed = append(subscribed, string(key))
	}

	s.logger.Debug().
		Str("clientId", clientID).
		Int("sessions", len(subscribed)).
		Msg("Client subscription updated")

	return map[string]interface{}{
		"all":         len(subscribed) == 0,
		"sessionKeys": subscribed,
	}, nil
}

// handleSessionsList lists known sessions. The derived index serves
// the query when available; otherwise summaries are rebuilt from the
// log via the projection engine.
func (s *Server) handleSessionsList(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	filter := sessionindex.Filter{}
	if agentID, ok := params["agentId"].(string); ok {
		filter.AgentID = agentID
	}
	if state, ok := params["state"].(string); ok {
		filter.State = state
	}
	if limit, ok := params["limit"].(float64); ok && limit > 0 {
		filter.Limit = int(limit)
	}

	var (
		summaries []sessionindex.Summary
		err       error
	)
	if s.index != nil {
		summaries, err = s.index.List(ctx, filter)
	} else {
		summaries, err = s.listFromLog(ctx, filter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return map[string]interface{}{
		"sessions": summaries,
		"count":    len(summaries),
	}, nil
}

func (s *Server) listFromLog(ctx context.Context, filter sessionindex.Filter) ([]sessionindex.Summary, error) {
	keys, err := s.eventLog.ListSessions()
	if err != nil {
		return nil, err
	}

	summaries := make([]sessionindex.Summary, 0, len(keys))
	for _, key := range keys {
		proj, err := s.projection.ProjectWithContext(ctx, key)
		if err != nil {
			s.logger.Warn().Err(err).Str("sessionKey", string(key)).Msg("Skipping unreadable session")
			continue
		}

		summary := sessionindex.Summary{
			SessionKey:   string(key),
			AgentID:      proj.AgentID,
			Channel:      proj.Channel,
			PeerID:       proj.PeerID,
			State:        string(proj.State),
			EndReason:    proj.EndReason,
			MessageCount: proj.MessageCount,
			LastSequence: proj.LastSequence,
			CreatedAt:    proj.CreatedAt,
			LastActivity: proj.LastActivity,
		}
		if filter.AgentID != "" && summary.AgentID != filter.AgentID {
			continue
		}
		if filter.State != "" && summary.State != filter.State {
			continue
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	if filter.Limit > 0 && len(summaries) > filter.Limit {
		summaries = summaries[:filter.Limit]
	}

	return summaries, nil
}

// handleSessionsGet returns the projected snapshot of one session with
// its most recent messages.
func (s *Server) handleSessionsGet(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}

	limit := 20
	if l, ok := params["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}

	key := eventlog.SessionKey(sessionKey)
	if _, err := eventlog.ParseKey(key); err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("invalid session key %q", sessionKey)}
	}

	proj, err := s.projection.ProjectWithContext(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to project session: %w", err)
	}
	if proj.LastSequence == 0 {
		return nil, &RPCError{Code: InvalidParams, Message: fmt.Sprintf("unknown session %q", sessionKey)}
	}

	return map[string]interface{}{
		"sessionKey":   sessionKey,
		"agentId":      proj.AgentID,
		"channel":      proj.Channel,
		"peerId":       proj.PeerID,
		"state":        proj.State,
		"endReason":    proj.EndReason,
		"messageCount": proj.MessageCount,
		"lastSequence": proj.LastSequence,
		"lastModel":    proj.LastModel,
		"usage":        proj.Usage,
		"createdAt":    proj.CreatedAt,
		"lastActivity": proj.LastActivity,
		"messages":     proj.RecentMessages(limit),
	}, nil
}

// handleSessionsEnd appends the terminal event for a session, aborting
// any in-flight turn first.
func (s *Server) handleSessionsEnd(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionKey, err := stringParam(params, "sessionKey")
	if err != nil {
		return nil, err
	}

	reason := "operator"
	if r, ok := params["reason"].(string); ok && r != "" {
		reason = r
	}

	ctx = tracing.WithSessionKey(ctx, sessionKey)
	if err := s.runtime.EndSession(ctx, eventlog.SessionKey(sessionKey), reason); err != nil {
		if errors.Is(err, eventlog.ErrInvalidSessionKey) {
			return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
		}
		return nil, rpcErrorFor(err)
	}

	return map[string]interface{}{
		"success": true,
		"reason":  reason,
	}, nil
}

// handleStatus reports gateway liveness counters.
func (s *Server) handleStatus(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	sessionCount := 0
	if keys, err := s.eventLog.ListSessions(); err == nil {
		sessionCount = len(keys)
	}

	methods := s.router.GetMethods()
	sort.Strings(methods)

	return map[string]interface{}{
		"uptimeMs": time.Since(s.startedAt).Milliseconds(),
		"clients":  s.clients.Count(),
		"sessions": sessionCount,
		"methods":  methods,
	}, nil
}
