package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go2tv.app/syncview/internal/domain"
	"go2tv.app/syncview/internal/session"
)

const (
	defaultDiscoveryTimeoutMS = 5000
	minDiscoveryTimeoutMS     = 100
)

var errInvalidParams = errors.New("invalid params")

type toolOutput struct {
	text       string
	structured any
	sessionID  string
}

type toolHandler func(ctx context.Context, rawArgs json.RawMessage) (toolOutput, error)

type sessionArgs struct {
	SessionID string `json:"session_id"`
}

func (s *Server) toolHandlers() map[string]toolHandler {
	return map[string]toolHandler{
		"open_session":         s.openSession,
		"close_session":        s.closeSession,
		"pause":                s.sessionCommand("pause", (*session.Controller).Pause, "Toggled pause on session %s."),
		"request_sync":         s.sessionCommand("request_sync", (*session.Controller).RequestSync, "Published position of session %s."),
		"cast":                 s.sessionCommand("cast", (*session.Controller).Cast, "Casting session %s."),
		"select_audio_track":   s.selectTrack(domain.TrackAudio),
		"select_video_track":   s.selectTrack(domain.TrackVideo),
		"select_render_target": s.selectRenderTarget,
		"list_render_targets":  s.listRenderTargets,
		"session_state":        s.sessionState,
		"list_sessions":        s.listSessions,
	}
}

func (s *Server) openSession(ctx context.Context, rawArgs json.RawMessage) (toolOutput, error) {
	if s.sessions == nil {
		return toolOutput{}, errors.New("session manager is not configured")
	}
	var args struct {
		Token   string `json:"token"`
		Channel string `json:"channel"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return toolOutput{}, errInvalidParams
	}
	args.Token = strings.TrimSpace(args.Token)
	args.Channel = strings.TrimSpace(args.Channel)
	if args.Token == "" || args.Channel == "" {
		return toolOutput{}, errInvalidParams
	}

	ctrl, err := s.sessions.Open(ctx, domain.OpenRequest{Token: args.Token, Channel: args.Channel})
	if err != nil {
		out := toolOutput{}
		if ctrl != nil {
			out.sessionID = ctrl.ID()
		}
		return out, err
	}
	snap, err := ctrl.Snapshot(ctx)
	if err != nil {
		return toolOutput{sessionID: ctrl.ID()}, err
	}
	return toolOutput{
		text:       fmt.Sprintf("Session %s playing %s.", snap.SessionID, snap.Channel),
		structured: snap,
		sessionID:  snap.SessionID,
	}, nil
}

func (s *Server) closeSession(ctx context.Context, rawArgs json.RawMessage) (toolOutput, error) {
	id, err := s.decodeSessionID(rawArgs)
	if err != nil {
		return toolOutput{}, err
	}
	if err := s.sessions.CloseSession(ctx, id); err != nil {
		return toolOutput{sessionID: id}, err
	}
	return toolOutput{
		text:       fmt.Sprintf("Closed session %s.", id),
		structured: map[string]any{"session_id": id, "closed": true},
		sessionID:  id,
	}, nil
}

func (s *Server) sessionCommand(name string, op func(*session.Controller, context.Context) error, format string) toolHandler {
	return func(ctx context.Context, rawArgs json.RawMessage) (toolOutput, error) {
		ctrl, err := s.lookup(rawArgs)
		if err != nil {
			return toolOutput{}, err
		}
		if err := op(ctrl, ctx); err != nil {
			return toolOutput{sessionID: ctrl.ID()}, errors.Wrap(err, name)
		}
		return s.stateOutput(ctx, ctrl, fmt.Sprintf(format, ctrl.ID()))
	}
}

func (s *Server) selectTrack(kind domain.TrackKind) toolHandler {
	return func(ctx context.Context, rawArgs json.RawMessage) (toolOutput, error) {
		if s.sessions == nil {
			return toolOutput{}, errors.New("session manager is not configured")
		}
		var args struct {
			SessionID string `json:"session_id"`
			TrackID   *int   `json:"track_id"`
		}
		if err := decodeStrict(rawArgs, &args); err != nil || args.TrackID == nil {
			return toolOutput{}, errInvalidParams
		}
		ctrl, err := s.sessions.Get(args.SessionID)
		if err != nil {
			return toolOutput{sessionID: args.SessionID}, err
		}

		if kind == domain.TrackVideo {
			err = ctrl.SelectVideoTrack(ctx, *args.TrackID)
		} else {
			err = ctrl.SelectAudioTrack(ctx, *args.TrackID)
		}
		if err != nil {
			return toolOutput{sessionID: ctrl.ID()}, err
		}
		return s.stateOutput(ctx, ctrl, fmt.Sprintf("Selected %s track %d on session %s.", kind, *args.TrackID, ctrl.ID()))
	}
}

func (s *Server) selectRenderTarget(ctx context.Context, rawArgs json.RawMessage) (toolOutput, error) {
	if s.sessions == nil {
		return toolOutput{}, errors.New("session manager is not configured")
	}
	var args struct {
		SessionID string `json:"session_id"`
		TargetID  string `json:"target_id"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil || strings.TrimSpace(args.TargetID) == "" {
		return toolOutput{}, errInvalidParams
	}
	ctrl, err := s.sessions.Get(args.SessionID)
	if err != nil {
		return toolOutput{sessionID: args.SessionID}, err
	}
	if err := ctrl.SelectRenderTarget(ctx, strings.TrimSpace(args.TargetID)); err != nil {
		return toolOutput{sessionID: ctrl.ID()}, err
	}
	return s.stateOutput(ctx, ctrl, fmt.Sprintf("Selected render target %s on session %s.", args.TargetID, ctrl.ID()))
}

func (s *Server) listRenderTargets(ctx context.Context, rawArgs json.RawMessage) (toolOutput, error) {
	if s.targets == nil {
		return toolOutput{}, errors.New("discovery service is not configured")
	}
	var args struct {
		TimeoutMS          *int  `json:"timeout_ms,omitempty"`
		IncludeUnreachable *bool `json:"include_unreachable,omitempty"`
	}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return toolOutput{}, errInvalidParams
	}
	timeoutMS := defaultDiscoveryTimeoutMS
	if args.TimeoutMS != nil {
		if *args.TimeoutMS < minDiscoveryTimeoutMS {
			return toolOutput{}, errInvalidParams
		}
		timeoutMS = *args.TimeoutMS
	}
	includeUnreachable := args.IncludeUnreachable != nil && *args.IncludeUnreachable

	s.log.Debug().Int("timeout_ms", timeoutMS).Bool("include_unreachable", includeUnreachable).Msg("list_render_targets_request")
	targets, err := s.targets.ListRenderTargets(ctx, time.Duration(timeoutMS)*time.Millisecond, includeUnreachable)
	if err != nil {
		return toolOutput{}, err
	}

	text := fmt.Sprintf("Discovered %d render target(s).", len(targets))
	if len(targets) > 0 {
		text += "\n" + formatTargets(targets)
	}
	return toolOutput{
		text: text,
		structured: map[string]any{
			"count":   len(targets),
			"targets": targets,
		},
	}, nil
}

func (s *Server) sessionState(ctx context.Context, rawArgs json.RawMessage) (toolOutput, error) {
	ctrl, err := s.lookup(rawArgs)
	if err != nil {
		return toolOutput{}, err
	}
	return s.stateOutput(ctx, ctrl, "")
}

func (s *Server) listSessions(ctx context.Context, rawArgs json.RawMessage) (toolOutput, error) {
	if s.sessions == nil {
		return toolOutput{}, errors.New("session manager is not configured")
	}
	var args struct{}
	if err := decodeStrict(rawArgs, &args); err != nil {
		return toolOutput{}, errInvalidParams
	}

	snaps := make([]domain.SessionSnapshot, 0)
	for _, ctrl := range s.sessions.List() {
		snap, err := ctrl.Snapshot(ctx)
		if err != nil {
			return toolOutput{}, err
		}
		snaps = append(snaps, snap)
	}
	return toolOutput{
		text:       fmt.Sprintf("%d open session(s).", len(snaps)),
		structured: map[string]any{"count": len(snaps), "sessions": snaps},
	}, nil
}

func (s *Server) decodeSessionID(rawArgs json.RawMessage) (string, error) {
	if s.sessions == nil {
		return "", errors.New("session manager is not configured")
	}
	var args sessionArgs
	if err := decodeStrict(rawArgs, &args); err != nil {
		return "", errInvalidParams
	}
	id := strings.TrimSpace(args.SessionID)
	if id == "" {
		return "", errInvalidParams
	}
	return id, nil
}

func (s *Server) lookup(rawArgs json.RawMessage) (*session.Controller, error) {
	id, err := s.decodeSessionID(rawArgs)
	if err != nil {
		return nil, err
	}
	return s.sessions.Get(id)
}

func (s *Server) stateOutput(ctx context.Context, ctrl *session.Controller, text string) (toolOutput, error) {
	snap, err := ctrl.Snapshot(ctx)
	if err != nil {
		return toolOutput{sessionID: ctrl.ID()}, err
	}
	if text == "" {
		text = formatSnapshot(snap)
	}
	return toolOutput{text: text, structured: snap, sessionID: ctrl.ID()}, nil
}

func formatSnapshot(snap domain.SessionSnapshot) string {
	state := "stopped"
	switch {
	case snap.Closed:
		state = "closed"
	case snap.Playing:
		state = "playing"
	}
	text := fmt.Sprintf("Session %s (%s) is %s at %s; %d audio, %d video track(s); %d render target(s).",
		snap.SessionID, snap.Channel, state, snap.Position.Truncate(time.Second),
		len(snap.AudioTracks), len(snap.VideoTracks), len(snap.RenderTargets))
	if snap.Casting && snap.SelectedTarget != nil {
		text += fmt.Sprintf(" Casting to %s.", snap.SelectedTarget.Name)
	}
	return text
}

func formatTargets(targets []domain.RenderTarget) string {
	var out strings.Builder
	for i, t := range targets {
		if i > 0 {
			out.WriteByte('\n')
		}
		fmt.Fprintf(&out, "%d. id=%s name=%s protocol=%s address=%s",
			i+1,
			strings.TrimSpace(t.ID),
			strings.TrimSpace(t.Name),
			strings.TrimSpace(t.Protocol),
			strings.TrimSpace(t.Address),
		)
	}
	return out.String()
}

func sessionIDSchema() map[string]any {
	return map[string]any{
		"type":        "string",
		"description": "The session_id returned by open_session.",
	}
}

func sessionOnlySchema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"properties":           map[string]any{"session_id": sessionIDSchema()},
		"required":             []string{"session_id"},
		"additionalProperties": false,
	}
}

func trackSchema(kind string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"session_id": sessionIDSchema(),
			"track_id": map[string]any{
				"type":        "integer",
				"minimum":     0,
				"description": fmt.Sprintf("An id from the session's %s_tracks list.", kind),
			},
		},
		"required":             []string{"session_id", "track_id"},
		"additionalProperties": false,
	}
}

var (
	readOnlyHints  = &toolHints{ReadOnly: true, Idempotent: true}
	networkHints   = &toolHints{ReadOnly: true, Idempotent: true, OpenWorld: true}
	sessionHints   = &toolHints{Idempotent: true}
	streamingHints = &toolHints{OpenWorld: true}
)

// hintsByTool assigns MCP annotations; tools not listed publish none.
var hintsByTool = map[string]*toolHints{
	"open_session":         streamingHints,
	"close_session":        {Destructive: true, Idempotent: true},
	"pause":                {},
	"request_sync":         {},
	"select_audio_track":   sessionHints,
	"select_video_track":   sessionHints,
	"list_render_targets":  networkHints,
	"select_render_target": sessionHints,
	"cast":                 streamingHints,
	"session_state":        readOnlyHints,
	"list_sessions":        readOnlyHints,
}

func staticTools() []tool {
	tools := toolDefinitions()
	for i := range tools {
		tools[i].Annotations = hintsByTool[tools[i].Name]
	}
	return tools
}

func toolDefinitions() []tool {
	return []tool{
		{
			Name:        "open_session",
			Description: "Resolve a channel's playback URL with an access token and start playing it locally. Returns the session_id used by every other session tool.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"token":   map[string]any{"type": "string", "description": "Access token for the streaming service."},
					"channel": map[string]any{"type": "string", "description": "Channel reference, e.g. /api/channels/1234/."},
				},
				"required":             []string{"token", "channel"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "close_session",
			Description: "Stop playback and casting for a session and release it.",
			InputSchema: sessionOnlySchema(),
		},
		{
			Name:        "pause",
			Description: "Toggle pause on a session's local player. Fails if the stream cannot be paused.",
			InputSchema: sessionOnlySchema(),
		},
		{
			Name:        "request_sync",
			Description: "Publish this session's playback position so every other playing session seeks to it.",
			InputSchema: sessionOnlySchema(),
		},
		{
			Name:        "select_audio_track",
			Description: "Switch the session's active audio track.",
			InputSchema: trackSchema("audio"),
		},
		{
			Name:        "select_video_track",
			Description: "Switch the session's active video track.",
			InputSchema: trackSchema("video"),
		},
		{
			Name:        "list_render_targets",
			Description: "Scan the local network for Chromecast devices that can render video.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timeout_ms": map[string]any{
						"type":        "integer",
						"minimum":     minDiscoveryTimeoutMS,
						"default":     defaultDiscoveryTimeoutMS,
						"description": "Discovery timeout in milliseconds.",
					},
					"include_unreachable": map[string]any{
						"type":        "boolean",
						"default":     false,
						"description": "Include devices that fail an immediate reachability check.",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "select_render_target",
			Description: "Choose which discovered render target the session casts to. Use an id from the session's render_targets.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"session_id": sessionIDSchema(),
					"target_id":  map[string]any{"type": "string", "description": "A render target id from session_state."},
				},
				"required":             []string{"session_id", "target_id"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "cast",
			Description: "Mirror the session's stream onto the selected render target, aligned to the local position.",
			InputSchema: sessionOnlySchema(),
		},
		{
			Name:        "session_state",
			Description: "Report a session's tracks, render targets, cast state and position.",
			InputSchema: sessionOnlySchema(),
		},
		{
			Name:        "list_sessions",
			Description: "List all open sessions.",
			InputSchema: map[string]any{
				"type":                 "object",
				"properties":           map[string]any{},
				"additionalProperties": false,
			},
		},
	}
}
