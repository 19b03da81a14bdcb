package scanner

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/thoas/go-funk"

	"github.com/snapqr/snapqr/pkg/snapqr/camera"
)

// Result is one accepted scan.
type Result struct {
	ID        string    `json:"id" yaml:"id"`
	Text      string    `json:"text" yaml:"text"`
	FoundAt   time.Time `json:"found_at" yaml:"found_at"`
	Highlight *Rect     `json:"highlight,omitempty" yaml:"highlight,omitempty"`
}

// IsURL reports whether the result looks like a link.
func (r Result) IsURL() bool {
	return IsURL(r.Text)
}

// LinkTarget returns the address to open for a URL-shaped result.
func (r Result) LinkTarget() string {
	return LinkTarget(r.Text)
}

// Age formats how long ago the result was found, e.g. "12s ago" or "3m ago".
func (r Result) Age(now time.Time) string {
	seconds := int(now.Sub(r.FoundAt) / time.Second)
	if seconds < 0 {
		seconds = 0
	}
	if seconds < 60 {
		return fmt.Sprintf("%ds ago", seconds)
	}
	return fmt.Sprintf("%dm ago", seconds/60)
}

// substrings that make dotted text look like a host name
var urlMarkers = []string{"www.", ".com", ".org", ".net", ".io", ".co"}

// IsURL applies the link-detection rule: the text contains a dot and either
// starts with "http" or contains a well-known host fragment.
func IsURL(text string) bool {
	if !strings.Contains(text, ".") {
		return false
	}
	if strings.HasPrefix(text, "http") {
		return true
	}

	return funk.Find(urlMarkers, func(marker string) bool {
		return strings.Contains(text, marker)
	}) != nil
}

// LinkTarget prefixes https:// to text that doesn't carry a scheme.
func LinkTarget(text string) string {
	if strings.HasPrefix(text, "http") {
		return text
	}
	return "https://" + text
}

// Rect is a highlight rectangle in display coordinates.
type Rect struct {
	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width" yaml:"width"`
	Height float64 `json:"height" yaml:"height"`
}

// HighlightFor returns the bounding box of points, scaled from frame to
// display coordinates. It returns nil when there's nothing to draw.
func HighlightFor(points []Point, frame, display camera.Resolution) *Rect {
	if len(points) == 0 || frame.Empty() {
		return nil
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX, maxX = math.Min(minX, p.X), math.Max(maxX, p.X)
		minY, maxY = math.Min(minY, p.Y), math.Max(maxY, p.Y)
	}

	scaleX, scaleY := 1.0, 1.0
	if !display.Empty() {
		scaleX = float64(display.Width) / float64(frame.Width)
		scaleY = float64(display.Height) / float64(frame.Height)
	}

	return &Rect{
		X:      minX * scaleX,
		Y:      minY * scaleY,
		Width:  (maxX - minX) * scaleX,
		Height: (maxY - minY) * scaleY,
	}
}
