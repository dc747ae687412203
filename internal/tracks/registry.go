// Package tracks keeps the ordered audio and video stream lists of one media load.
package tracks

import (
	"github.com/pkg/errors"
	"go2tv.app/syncview/internal/domain"
)

// Lookup returns the engine's current track list for a kind.
type Lookup func(kind domain.TrackKind) []domain.TrackDescriptor

type ChangeType int

const (
	Added ChangeType = iota
	Removed
)

// Observer is told about every mutation after it has been applied.
type Observer func(change ChangeType, track domain.TrackDescriptor)

// Registry is not safe for concurrent use. The owning session mutates and reads
// it from its control loop only.
type Registry struct {
	audio    []domain.TrackDescriptor
	video    []domain.TrackDescriptor
	observer Observer
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// OnStreamAdded appends the engine's descriptor for id. Disabled pseudo-tracks,
// ids the engine does not list and ids already registered are ignored.
func (r *Registry) OnStreamAdded(kind domain.TrackKind, id int, lookup Lookup) (domain.TrackDescriptor, bool) {
	if id < 0 || lookup == nil {
		return domain.TrackDescriptor{}, false
	}
	seq := r.sequence(kind)
	if seq == nil {
		return domain.TrackDescriptor{}, false
	}
	if indexOf(*seq, id) >= 0 {
		return domain.TrackDescriptor{}, false
	}

	for _, candidate := range lookup(kind) {
		if candidate.ID != id {
			continue
		}
		candidate.Kind = kind
		*seq = append(*seq, candidate)
		if r.observer != nil {
			r.observer(Added, candidate)
		}
		return candidate, true
	}
	return domain.TrackDescriptor{}, false
}

// OnStreamRemoved drops the descriptor with id. An unknown id returns
// ErrNotFound and leaves the registry untouched.
func (r *Registry) OnStreamRemoved(kind domain.TrackKind, id int) error {
	seq := r.sequence(kind)
	if seq == nil {
		return errors.Wrapf(domain.ErrNotFound, "unknown track kind %s", kind)
	}
	idx := indexOf(*seq, id)
	if idx < 0 {
		return errors.Wrapf(domain.ErrNotFound, "%s track %d", kind, id)
	}
	removed := (*seq)[idx]
	*seq = append((*seq)[:idx:idx], (*seq)[idx+1:]...)
	if r.observer != nil {
		r.observer(Removed, removed)
	}
	return nil
}

func (r *Registry) Contains(kind domain.TrackKind, id int) bool {
	seq := r.sequence(kind)
	return seq != nil && indexOf(*seq, id) >= 0
}

func (r *Registry) Audio() []domain.TrackDescriptor {
	return append([]domain.TrackDescriptor{}, r.audio...)
}

func (r *Registry) Video() []domain.TrackDescriptor {
	return append([]domain.TrackDescriptor{}, r.video...)
}

// Clear empties both sequences without notifying the observer.
func (r *Registry) Clear() {
	r.audio = nil
	r.video = nil
}

func (r *Registry) sequence(kind domain.TrackKind) *[]domain.TrackDescriptor {
	switch kind {
	case domain.TrackAudio:
		return &r.audio
	case domain.TrackVideo:
		return &r.video
	default:
		return nil
	}
}

func indexOf(seq []domain.TrackDescriptor, id int) int {
	for i, t := range seq {
		if t.ID == id {
			return i
		}
	}
	return -1
}
