// Package mcpserver exposes playback sessions as tools over a JSON-RPC stdio
// transport.
package mcpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go2tv.app/syncview/internal/domain"
	"go2tv.app/syncview/internal/metrics"
	"go2tv.app/syncview/internal/session"
)

const protocolVersion = "2024-11-05"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// SessionManager is the session surface the tools drive.
type SessionManager interface {
	Open(ctx context.Context, req domain.OpenRequest) (*session.Controller, error)
	Get(id string) (*session.Controller, error)
	List() []*session.Controller
	CloseSession(ctx context.Context, id string) error
}

// TargetLister runs a one-shot render target scan.
type TargetLister interface {
	ListRenderTargets(ctx context.Context, timeout time.Duration, includeUnreachable bool) ([]domain.RenderTarget, error)
}

type Config struct {
	ServerName    string
	ServerVersion string
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	Sessions      SessionManager
	Targets       TargetLister
}

type Server struct {
	in              *bufio.Reader
	out             *bufio.Writer
	serverName      string
	serverVersion   string
	log             zerolog.Logger
	metrics         *metrics.Metrics
	outFormat       wireFormat
	outFormatLocked bool
	tools           []tool
	handlers        map[string]toolHandler
	sessions        SessionManager
	targets         TargetLister
}

func New(in io.Reader, out io.Writer, cfg Config) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "syncview"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}

	s := &Server{
		in:            bufio.NewReader(in),
		out:           bufio.NewWriter(out),
		serverName:    cfg.ServerName,
		serverVersion: cfg.ServerVersion,
		log:           cfg.Logger.With().Str("component", "mcpserver").Logger(),
		metrics:       cfg.Metrics,
		tools:         staticTools(),
		sessions:      cfg.Sessions,
		targets:       cfg.Targets,
	}
	s.handlers = s.toolHandlers()
	return s
}

func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Str("reason", ctx.Err().Error()).Msg("mcp_context_done")
			return ctx.Err()
		default:
		}

		s.log.Trace().Msg("mcp_read_wait")
		payload, format, err := readMessage(s.in)
		if err != nil {
			if err == io.EOF {
				s.log.Info().Msg("mcp_stream_eof")
				return nil
			}
			s.log.Error().Err(err).Msg("mcp_read_error")
			return err
		}
		if !s.outFormatLocked {
			s.outFormat = format
			s.outFormatLocked = true
			s.log.Debug().Stringer("mode", format).Msg("mcp_output_mode")
		}
		s.log.Trace().Int("bytes", len(payload)).Msg("mcp_message_received")

		if err := s.handle(ctx, payload); err != nil {
			s.log.Error().Err(err).Msg("mcp_handle_error")
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) error {
	startedAt := time.Now()

	var msg rpcMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.logCall("parse", "", startedAt, "-32700")
		return s.send(errorReply(nil, codeParseError, "parse error", nil))
	}

	if msg.isNotification() {
		return nil
	}

	if msg.Version != "" && msg.Version != jsonRPCVersion {
		s.logCall(msg.Method, "", startedAt, "-32600")
		return s.send(errorReply(msg.ID, codeInvalidRequest, "invalid request", map[string]string{"jsonrpc": msg.Version}))
	}

	switch msg.Method {
	case "initialize":
		var hello handshakeRequest
		_ = json.Unmarshal(msg.Params, &hello)
		s.log.Info().
			Str("client", hello.ClientInfo.Name).
			Str("client_version", hello.ClientInfo.Version).
			Str("client_protocol", hello.ProtocolVersion).
			Msg("mcp_initialize")
		s.logCall("initialize", "", startedAt, "")
		return s.send(resultReply(msg.ID, handshake{
			ProtocolVersion: protocolVersion,
			Capabilities: map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			ServerInfo:   implementation{Name: s.serverName, Version: s.serverVersion},
			Instructions: "Open a session with open_session, then use its session_id with the other tools.",
		}))
	case "tools/list":
		s.logCall("tools/list", "", startedAt, "")
		return s.send(resultReply(msg.ID, toolCatalog{Tools: s.tools}))
	case "tools/call":
		return s.handleToolCall(ctx, msg.ID, msg.Params)
	case "ping":
		return s.send(resultReply(msg.ID, struct{}{}))
	default:
		s.logCall(msg.Method, "", startedAt, "-32601")
		return s.send(errorReply(msg.ID, codeMethodNotFound, "method not found", map[string]string{"method": msg.Method}))
	}
}

func (s *Server) handleToolCall(ctx context.Context, id json.RawMessage, rawParams json.RawMessage) error {
	startedAt := time.Now()

	params, err := decodeToolCallParams(rawParams)
	if err != nil {
		return s.sendInvalidParams("tools/call", "", startedAt, id)
	}

	handler, ok := s.handlers[params.Name]
	if !ok {
		s.logCall(params.Name, "", startedAt, "TOOL_NOT_FOUND")
		s.metrics.IncToolCall(params.Name, "not_found")
		return s.send(resultReply(id, toolErrorResult("TOOL_NOT_FOUND", fmt.Sprintf("unknown tool: %s", params.Name))))
	}

	out, err := handler(ctx, params.Arguments)
	if errors.Is(err, errInvalidParams) {
		s.metrics.IncToolCall(params.Name, "invalid_params")
		return s.sendInvalidParams(params.Name, out.sessionID, startedAt, id)
	}
	if err != nil {
		tErr := domain.ToolErrorFrom(err)
		if out.sessionID != "" {
			if tErr.Details == nil {
				tErr.Details = map[string]any{}
			}
			tErr.Details["session_id"] = out.sessionID
		}
		s.logCall(params.Name, out.sessionID, startedAt, tErr.Code)
		s.metrics.IncToolCall(params.Name, "error")
		return s.send(resultReply(id, toolErrorResultFromError(tErr)))
	}

	s.logCall(params.Name, out.sessionID, startedAt, "")
	s.metrics.IncToolCall(params.Name, "ok")
	return s.send(resultReply(id, toolCallResult{
		Content:           []toolContent{{Type: "text", Text: out.text}},
		StructuredContent: out.structured,
	}))
}

func decodeToolCallParams(raw json.RawMessage) (toolInvocation, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return toolInvocation{}, err
	}

	nameRaw, ok := payload["name"]
	if !ok {
		return toolInvocation{}, errors.New("missing tool name")
	}

	var name string
	if err := json.Unmarshal(nameRaw, &name); err != nil {
		return toolInvocation{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return toolInvocation{}, errors.New("missing tool name")
	}

	arguments, ok := payload["arguments"]
	if !ok {
		// Some clients send arguments at the top level of params.
		flattened := map[string]json.RawMessage{}
		for key, value := range payload {
			if key == "name" || key == "_meta" {
				continue
			}
			flattened[key] = value
		}
		if len(flattened) > 0 {
			normalized, err := json.Marshal(flattened)
			if err != nil {
				return toolInvocation{}, err
			}
			arguments = normalized
		}
	}

	if len(bytes.TrimSpace(arguments)) == 0 || bytes.Equal(bytes.TrimSpace(arguments), []byte("null")) {
		arguments = json.RawMessage("{}")
	}

	return toolInvocation{Name: name, Arguments: arguments}, nil
}

func decodeStrict(raw json.RawMessage, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := decoder.Decode(&trailing); err != io.EOF {
		return errors.New("invalid JSON payload")
	}
	return nil
}

func (s *Server) sendInvalidParams(method, sessionID string, startedAt time.Time, id json.RawMessage) error {
	s.logCall(method, sessionID, startedAt, "-32602")
	return s.send(errorReply(id, codeInvalidParams, "invalid params", map[string]string{"method": method}))
}

func toolErrorResult(code, message string) toolCallResult {
	return toolCallResult{
		Content: []toolContent{{Type: "text", Text: fmt.Sprintf("%s: %s", code, message)}},
		StructuredContent: map[string]any{
			"error": map[string]string{"code": code, "message": message},
		},
		IsError: true,
	}
}

func toolErrorResultFromError(tErr *domain.ToolError) toolCallResult {
	result := toolErrorResult(tErr.Code, tErr.Message)
	detail := map[string]any{
		"code":    tErr.Code,
		"message": tErr.Message,
	}
	if len(tErr.Limitations) > 0 {
		detail["limitations"] = tErr.Limitations
	}
	if len(tErr.SuggestedFixes) > 0 {
		detail["suggested_fixes"] = tErr.SuggestedFixes
	}
	if len(tErr.Details) > 0 {
		detail["details"] = tErr.Details
	}
	result.StructuredContent = map[string]any{"error": detail}
	return result
}

func (s *Server) logCall(method, sessionID string, startedAt time.Time, errorCode string) {
	evt := s.log.Info()
	if strings.TrimSpace(errorCode) != "" {
		evt = s.log.Error()
	}
	evt.Str("method", strings.TrimSpace(method)).
		Str("session_id", strings.TrimSpace(sessionID)).
		Int64("duration_ms", time.Since(startedAt).Milliseconds()).
		Str("error_code", strings.TrimSpace(errorCode)).
		Msg("mcp_call")
}

func (s *Server) send(resp rpcReply) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	s.log.Trace().Int("bytes", len(encoded)).Msg("mcp_send")
	return writeMessage(s.out, s.outFormat, encoded)
}
