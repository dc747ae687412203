package domain

import "github.com/pkg/errors"

var (
	// ErrResolution means the playback URL lookup failed.
	ErrResolution = errors.New("playback url resolution failed")
	// ErrLoad means the engine refused the resolved URL.
	ErrLoad = errors.New("media load failed")
	// ErrNotFound covers track ids and render targets that are not registered.
	ErrNotFound = errors.New("not found")
	// ErrPrecondition is a caller error such as casting with no target selected.
	ErrPrecondition = errors.New("precondition violated")
	// ErrSessionClosed is returned by operations on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

type Limitation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ToolError struct {
	Code           string         `json:"code"`
	Message        string         `json:"message"`
	Limitations    []Limitation   `json:"limitations,omitempty"`
	SuggestedFixes []string       `json:"suggested_fixes,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// ToolErrorFrom maps a core error onto the tool error codes exposed at the boundary.
func ToolErrorFrom(err error) *ToolError {
	if err == nil {
		return nil
	}
	var tErr *ToolError
	if errors.As(err, &tErr) && tErr != nil {
		return tErr
	}

	code := "INTERNAL_ERROR"
	var fixes []string
	switch {
	case errors.Is(err, ErrResolution):
		code = "RESOLUTION_FAILED"
		fixes = []string{"Check that the access token is valid and not expired.", "Retry once the channel is available."}
	case errors.Is(err, ErrLoad):
		code = "LOAD_FAILED"
	case errors.Is(err, ErrSessionClosed):
		code = "SESSION_NOT_FOUND"
	case errors.Is(err, ErrNotFound):
		code = "NOT_FOUND"
	case errors.Is(err, ErrPrecondition):
		code = "PRECONDITION_FAILED"
	}
	return &ToolError{Code: code, Message: err.Error(), SuggestedFixes: fixes}
}
