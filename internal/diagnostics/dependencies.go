// Package diagnostics reports whether the host can run the local playback
// engine.
package diagnostics

import (
	"context"
	"os/exec"
	"time"
)

const inspectTimeout = 3 * time.Second

var lookPath = exec.LookPath

// inspectPlugin reports whether gst-inspect-1.0 knows the element.
var inspectPlugin = func(ctx context.Context, inspectPath, element string) bool {
	return exec.CommandContext(ctx, inspectPath, "--exists", element).Run() == nil
}

// requiredElements are needed to play a live HLS channel through playbin.
var requiredElements = []string{"playbin", "hlsdemux", "souphttpsrc", "autovideosink", "autoaudiosink"}

type BinaryStatus struct {
	Found bool   `json:"found"`
	Path  string `json:"path,omitempty"`
}

type DependencyReport struct {
	GstInspect         BinaryStatus    `json:"gst_inspect"`
	GstLaunch          BinaryStatus    `json:"gst_launch"`
	Elements           map[string]bool `json:"elements"`
	AllRequiredPresent bool            `json:"all_required_present"`
}

func DetectDependencies(ctx context.Context) DependencyReport {
	inspect := detectBinary("gst-inspect-1.0")
	launch := detectBinary("gst-launch-1.0")

	report := DependencyReport{
		GstInspect: inspect,
		GstLaunch:  launch,
		Elements:   make(map[string]bool, len(requiredElements)),
	}

	allElements := inspect.Found
	for _, element := range requiredElements {
		found := false
		if inspect.Found {
			checkCtx, cancel := context.WithTimeout(ctx, inspectTimeout)
			found = inspectPlugin(checkCtx, inspect.Path, element)
			cancel()
		}
		report.Elements[element] = found
		allElements = allElements && found
	}
	report.AllRequiredPresent = allElements
	return report
}

func detectBinary(name string) BinaryStatus {
	path, err := lookPath(name)
	if err != nil {
		return BinaryStatus{Found: false}
	}
	return BinaryStatus{Found: true, Path: path}
}
