package snapqr

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snapqr/snapqr/pkg/snapqr/camera"
	"github.com/snapqr/snapqr/pkg/snapqr/scanner"
)

func makeJPEG(t *testing.T, width, height int) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, width, height)), nil))
	return buf.Bytes()
}

type fakeDevice struct {
	mu      sync.Mutex
	frame   []byte
	fail    error
	facings []camera.FacingMode
}

func (d *fakeDevice) Open(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.facings = append(d.facings, c.Facing)
	if d.fail != nil {
		return nil, d.fail
	}
	return newFakeStream(d.frame), nil
}

func (d *fakeDevice) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDevice) lastFacing() camera.FacingMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.facings) == 0 {
		return ""
	}
	return d.facings[len(d.facings)-1]
}

// fakeStream is ready at once and hands out a new frame on every Latest.
type fakeStream struct {
	data  []byte
	seq   atomic.Uint64
	ready chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newFakeStream(data []byte) *fakeStream {
	s := &fakeStream{data: data, ready: make(chan struct{}), done: make(chan struct{})}
	close(s.ready)
	return s
}

func (s *fakeStream) Ready() <-chan struct{} { return s.ready }
func (s *fakeStream) Done() <-chan struct{}  { return s.done }
func (s *fakeStream) Err() error             { return nil }

// Close ends the stream like the real streams do.
func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeStream) Latest() (*camera.Frame, bool) {
	return camera.NewFrame(s.data, s.seq.Add(1)), true
}

// queueDecoder reports each queued text once, then nothing.
type queueDecoder struct {
	mu    sync.Mutex
	queue []string
}

func (d *queueDecoder) Decode(img image.Image) (*scanner.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.queue) == 0 {
		return nil, scanner.ErrNotFound
	}
	text := d.queue[0]
	d.queue = d.queue[1:]
	return &scanner.Detection{Text: text, Points: []scanner.Point{{X: 1, Y: 1}, {X: 5, Y: 5}}}, nil
}

func (d *queueDecoder) Reset() {}

func (d *queueDecoder) push(texts ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, texts...)
}

type notification struct {
	title   string
	message string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) Notify(title, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{title, message})
}

func (n *recordingNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	titles := make([]string, len(n.sent))
	for i, s := range n.sent {
		titles[i] = s.title
	}
	return titles
}

type fakeClipboard struct {
	mu   sync.Mutex
	text string
	fail bool
}

func (c *fakeClipboard) WriteAll(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail {
		return errors.New("no clipboard available")
	}
	c.text = text
	return nil
}

func (c *fakeClipboard) contents() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

type controllerFixture struct {
	controller *Controller
	device     *fakeDevice
	decoder    *queueDecoder
	notifier   *recordingNotifier
	clipboard  *fakeClipboard
	opened     chan string
	photoDir   string
}

func newControllerFixture(t *testing.T) *controllerFixture {
	t.Helper()

	f := &controllerFixture{
		device:    &fakeDevice{frame: makeJPEG(t, 64, 48)},
		decoder:   &queueDecoder{},
		notifier:  &recordingNotifier{},
		clipboard: &fakeClipboard{},
		opened:    make(chan string, 4),
		photoDir:  filepath.Join(t.TempDir(), "photos"),
	}

	f.controller = NewController(zap.NewNop().Sugar(), f.notifier, f.device, f.decoder, ControllerOptions{
		Camera: camera.Options{
			DisplaySize:  camera.Resolution{Width: 128, Height: 96},
			ReadyTimeout: time.Second,
		},
		Scanner: scanner.Options{
			Policy:   scanner.DefaultPolicy(),
			Interval: 2 * time.Millisecond,
		},
		PhotoDir:  f.photoDir,
		Clipboard: f.clipboard,
		OpenLink: func(link string) error {
			f.opened <- link
			return nil
		},
	})
	t.Cleanup(f.controller.Close)

	return f
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}
