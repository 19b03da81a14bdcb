package camera

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMJPEGReaderSplitsConcatenatedFrames(t *testing.T) {
	a := makeJPEG(t, 8, 8)
	b := makeJPEG(t, 12, 10)

	var stream bytes.Buffer
	stream.WriteString("garbage before the first frame")
	stream.Write(a)
	stream.Write(b)
	stream.Write(a[:len(a)/2]) // truncated tail

	reader := NewMJPEGReader(iotest.HalfReader(&stream))

	first, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, a, first)

	second, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, b, second)

	_, err = reader.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestMJPEGReaderHandlesMarkerAcrossReads(t *testing.T) {
	frame := makeJPEG(t, 8, 8)

	// one byte at a time splits every marker
	reader := NewMJPEGReader(iotest.OneByteReader(bytes.NewReader(frame)))

	got, err := reader.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestNewFrameReadsNativeSize(t *testing.T) {
	f := NewFrame(makeJPEG(t, 20, 10), 7)
	assert.Equal(t, Resolution{Width: 20, Height: 10}, f.Size())
	assert.Equal(t, uint64(7), f.Seq)

	broken := NewFrame([]byte{0xFF, 0xD8, 0xFF, 0xD9}, 1)
	assert.True(t, broken.Size().Empty())
}
