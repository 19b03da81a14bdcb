package camera

import (
	"sync"
	"sync/atomic"
)

// frameStream is the Stream implementation shared by the device backends.
// Producers call publish for each frame and finish when the source ends;
// release is the backend-specific teardown run once by Close.
type frameStream struct {
	latest atomic.Pointer[Frame]
	seq    atomic.Uint64

	ready     chan struct{}
	readyOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error

	release   func() error
	closeOnce sync.Once
	closeErr  error
}

func newFrameStream(release func() error) *frameStream {
	return &frameStream{
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		release: release,
	}
}

func (s *frameStream) publish(data []byte) {
	s.latest.Store(NewFrame(data, s.seq.Add(1)))
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *frameStream) finish(err error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()
		close(s.done)
	})
}

func (s *frameStream) Ready() <-chan struct{} {
	return s.ready
}

func (s *frameStream) Done() <-chan struct{} {
	return s.done
}

func (s *frameStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *frameStream) Latest() (*Frame, bool) {
	f := s.latest.Load()
	return f, f != nil
}

func (s *frameStream) Close() error {
	s.closeOnce.Do(func() {
		if s.release != nil {
			s.closeErr = s.release()
		}
		s.finish(nil)
	})
	return s.closeErr
}
