package camera

import (
	"bytes"
	"errors"
	"io"
)

const mjpegChunkSize = 64 * 1024

var (
	maxMJPEGFrameSize = 32 * 1024 * 1024

	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}

	errFrameTooLarge = errors.New("mjpeg: frame exceeds size limit")
)

// MJPEGReader splits a concatenated JPEG byte stream (as written by an MJPEG
// pipe) into individual frames.
type MJPEGReader struct {
	r   io.Reader
	buf []byte
	eof bool
}

// NewMJPEGReader wraps r.
func NewMJPEGReader(r io.Reader) *MJPEGReader {
	return &MJPEGReader{r: r}
}

// ReadFrame returns the next complete JPEG image. Bytes outside SOI/EOI
// markers are discarded. It returns io.EOF once the stream ends, dropping any
// incomplete trailing frame.
func (mr *MJPEGReader) ReadFrame() ([]byte, error) {
	for {
		if frame, ok := mr.extract(); ok {
			return frame, nil
		}

		if mr.eof {
			return nil, io.EOF
		}

		if len(mr.buf) > maxMJPEGFrameSize {
			return nil, errFrameTooLarge
		}

		if err := mr.fill(); err != nil {
			return nil, err
		}
	}
}

func (mr *MJPEGReader) extract() ([]byte, bool) {
	start := bytes.Index(mr.buf, jpegSOI)
	if start < 0 {
		// keep a trailing 0xFF, it may be the first half of a marker
		if n := len(mr.buf); n > 0 && mr.buf[n-1] == 0xFF {
			mr.buf = mr.buf[n-1:]
		} else {
			mr.buf = mr.buf[:0]
		}
		return nil, false
	}

	end := bytes.Index(mr.buf[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		mr.buf = mr.buf[start:]
		return nil, false
	}

	end += start + len(jpegSOI) + len(jpegEOI)
	frame := make([]byte, end-start)
	copy(frame, mr.buf[start:end])
	mr.buf = mr.buf[end:]

	return frame, true
}

func (mr *MJPEGReader) fill() error {
	chunk := make([]byte, mjpegChunkSize)
	n, err := mr.r.Read(chunk)
	mr.buf = append(mr.buf, chunk[:n]...)

	if errors.Is(err, io.EOF) {
		mr.eof = true
		return nil
	}
	return err
}
