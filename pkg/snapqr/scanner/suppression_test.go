package scanner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSuppressionWindow(t *testing.T) {
	s := newSuppressionWindow(50 * time.Millisecond)

	assert.True(t, s.Accept("code"))
	assert.False(t, s.Accept("code"))
	assert.True(t, s.Accept("other"))

	time.Sleep(80 * time.Millisecond)

	assert.True(t, s.Accept("code"))
	assert.Equal(t, 1, s.Len(), "expired entries are dropped on the next accept")
}

func TestSuppressionWindowFlush(t *testing.T) {
	s := newSuppressionWindow(time.Hour)

	assert.True(t, s.Accept("code"))
	s.Flush()
	assert.Zero(t, s.Len())
	assert.True(t, s.Accept("code"))
}
