package gstreamer

import (
	"fmt"
	"strings"

	"go2tv.app/syncview/internal/domain"
)

// hardware decoders promoted or demoted through GST_PLUGIN_FEATURE_RANK.
var hardwareDecoders = []string{
	"vah264dec",
	"vah265dec",
	"vaapih264dec",
	"vaapih265dec",
	"nvh264dec",
	"nvh265dec",
	"d3d11h264dec",
	"vtdec_hw",
}

// rankSpec builds the GST_PLUGIN_FEATURE_RANK value for the requested decode
// mode, keeping any entries the operator already set.
func rankSpec(existing string, hwDecode bool) string {
	rank := "NONE"
	if hwDecode {
		rank = "MAX"
	}
	parts := make([]string, 0, len(hardwareDecoders)+1)
	for _, name := range hardwareDecoders {
		parts = append(parts, name+":"+rank)
	}
	if existing = strings.TrimSpace(existing); existing != "" {
		parts = append(parts, existing)
	}
	return strings.Join(parts, ",")
}

// diffStreams compares two stream counts. Ids are the playbin stream indexes,
// so growth adds the tail and shrinkage removes it.
func diffStreams(prev, next int) (added, removed []int) {
	for id := prev; id < next; id++ {
		added = append(added, id)
	}
	for id := next; id < prev; id++ {
		removed = append(removed, id)
	}
	return added, removed
}

func describeStreams(kind domain.TrackKind, count int) []domain.TrackDescriptor {
	if count <= 0 {
		return nil
	}
	label := "Audio"
	if kind == domain.TrackVideo {
		label = "Video"
	}
	out := make([]domain.TrackDescriptor, 0, count)
	for id := 0; id < count; id++ {
		out = append(out, domain.TrackDescriptor{ID: id, Name: fmt.Sprintf("%s %d", label, id+1), Kind: kind})
	}
	return out
}

// propertyInt converts a GObject int property value.
func propertyInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint32:
		return int(n)
	default:
		return 0
	}
}
