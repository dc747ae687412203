package domain

import "fmt"

type TrackKind int

const (
	TrackAudio TrackKind = iota
	TrackVideo
)

func (k TrackKind) String() string {
	switch k {
	case TrackAudio:
		return "audio"
	case TrackVideo:
		return "video"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseTrackKind accepts "audio" or "video".
func ParseTrackKind(s string) (TrackKind, bool) {
	switch s {
	case "audio":
		return TrackAudio, true
	case "video":
		return TrackVideo, true
	default:
		return 0, false
	}
}

// TrackDescriptor identifies one elementary stream within a media load.
// Negative ids are the engine's "disabled" pseudo-track.
type TrackDescriptor struct {
	ID   int       `json:"id"`
	Kind TrackKind `json:"-"`
	Name string    `json:"name"`
}
