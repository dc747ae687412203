package domain

// RenderTarget is a discovered cast-capable destination.
type RenderTarget struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Address        string `json:"address"`
	Protocol       string `json:"protocol"`
	CanRenderVideo bool   `json:"can_render_video"`
}

// IsZero reports whether no target is set.
func (t RenderTarget) IsZero() bool {
	return t.ID == ""
}
