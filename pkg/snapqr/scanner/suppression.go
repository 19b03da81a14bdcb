package scanner

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// suppressionWindow remembers decoded texts for a trailing window so a code
// that stays in view is reported once. Expiry is lazy: there is no janitor
// goroutine or timer to cancel when a session stops.
type suppressionWindow struct {
	window time.Duration
	seen   *cache.Cache
}

func newSuppressionWindow(window time.Duration) *suppressionWindow {
	return &suppressionWindow{
		window: window,
		seen:   cache.New(window, 0),
	}
}

// Accept reports whether text was not seen within the window, recording it
// if so. The check and the insert are a single cache operation.
func (s *suppressionWindow) Accept(text string) bool {
	s.seen.DeleteExpired()
	return s.seen.Add(text, struct{}{}, cache.DefaultExpiration) == nil
}

// Flush forgets every text.
func (s *suppressionWindow) Flush() {
	s.seen.Flush()
}

// Len returns the number of texts currently tracked, expired or not.
func (s *suppressionWindow) Len() int {
	return s.seen.ItemCount()
}
