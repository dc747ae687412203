package domain

import "time"

// OpenRequest identifies one viewing of one channel.
type OpenRequest struct {
	Token   string `json:"-"`
	Channel string `json:"channel"`
}

type SessionSnapshot struct {
	SessionID      string            `json:"session_id"`
	Channel        string            `json:"channel"`
	AudioTracks    []TrackDescriptor `json:"audio_tracks"`
	VideoTracks    []TrackDescriptor `json:"video_tracks"`
	RenderTargets  []RenderTarget    `json:"render_targets"`
	SelectedTarget *RenderTarget     `json:"selected_target,omitempty"`
	CanCast        bool              `json:"can_cast"`
	Casting        bool              `json:"casting"`
	Playing        bool              `json:"playing"`
	CanPause       bool              `json:"can_pause"`
	Position       time.Duration     `json:"position_ns"`
	SyncSubscribed bool              `json:"sync_subscribed"`
	Closed         bool              `json:"closed"`
}

type SessionEventType string

const (
	EventTrackAdded   SessionEventType = "track_added"
	EventTrackRemoved SessionEventType = "track_removed"
	EventTargetFound  SessionEventType = "target_found"
	EventSyncApplied  SessionEventType = "sync_applied"
	EventCastStarted  SessionEventType = "cast_started"
)

// SessionEvent is delivered to observers on the session's control loop.
type SessionEvent struct {
	SessionID string
	Type      SessionEventType
	Track     *TrackDescriptor
	Target    *RenderTarget
	Position  time.Duration
}
