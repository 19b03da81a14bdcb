package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	defaultFFmpegBinary      = "ffmpeg"
	defaultFFmpegInputFormat = "v4l2"
	ffmpegStderrLimit        = 8 * 1024
)

// FFmpegDevice captures from local video nodes (V4L2 on Linux) through the
// ffmpeg binary, which writes an MJPEG stream to its stdout.
type FFmpegDevice struct {
	logger      *zap.SugaredLogger
	binary      string
	inputFormat string
	nodes       map[FacingMode]string
}

// NewFFmpegDevice creates a device mapping facing modes to video nodes, e.g.
// environment -> /dev/video0.
func NewFFmpegDevice(logger *zap.SugaredLogger, binary string, nodes map[FacingMode]string) *FFmpegDevice {
	logger = logger.Named("ffmpeg")

	if binary == "" {
		binary = defaultFFmpegBinary
	}

	d := &FFmpegDevice{
		logger:      logger,
		binary:      binary,
		inputFormat: defaultFFmpegInputFormat,
		nodes:       make(map[FacingMode]string, len(nodes)),
	}

	for facing, node := range nodes {
		if node != "" {
			d.nodes[facing] = node
		}
	}

	logger.Debugw("Created ffmpeg device", "binary", binary, "nodes", d.nodes)
	return d
}

// Open spawns ffmpeg for the node matching c.Facing.
func (d *FFmpegDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	binary, err := exec.LookPath(d.binary)
	if err != nil {
		d.logger.Warnw("Capture binary not available", "binary", d.binary, "error", err)
		return nil, newError(KindUnsupported, "open", err)
	}

	node, err := d.resolveNode(c.Facing)
	if err != nil {
		return nil, err
	}

	args := d.args(node, c)
	cmd := exec.Command(binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}

	stderr := &tailBuffer{limit: ffmpegStderrLimit}
	cmd.Stderr = stderr

	d.logger.Debugw("Starting capture process", "node", node, "args", args)

	if err := cmd.Start(); err != nil {
		d.logger.Warnw("Failed to start capture process", "error", err)
		return nil, classify("open", err)
	}

	var (
		waitOnce sync.Once
		waitErr  error
	)
	wait := func() error {
		waitOnce.Do(func() { waitErr = cmd.Wait() })
		return waitErr
	}

	stream := newFrameStream(func() error {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			d.logger.Warnw("Failed to kill capture process", "error", err)
		}
		wait()
		d.logger.Debugw("Capture process released", "node", node)
		return nil
	})

	go func() {
		reader := NewMJPEGReader(stdout)
		var readErr error
		for {
			frame, err := reader.ReadFrame()
			if err != nil {
				readErr = err
				break
			}
			stream.publish(frame)
		}

		if !errors.Is(readErr, io.EOF) {
			// nobody drains stdout anymore, so the process would block forever
			d.logger.Warnw("Capture stream unreadable, killing capture process", "error", readErr)
			if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				d.logger.Warnw("Failed to kill capture process", "error", err)
			}
			wait()
			stream.finish(newError(KindElementUnavailable, "stream", readErr))
			return
		}

		stream.finish(exitError(wait(), stderr.String()))
	}()

	return stream, nil
}

func (d *FFmpegDevice) resolveNode(facing FacingMode) (string, error) {
	if len(d.nodes) == 0 {
		return "", newError(KindDeviceNotFound, "open", errors.New("no video nodes configured"))
	}

	node, ok := d.nodes[facing]
	if !ok {
		// facing is a preference, not a requirement
		node, ok = d.nodes[facing.Opposite()]
		if !ok {
			return "", newError(KindDeviceNotFound, "open", fmt.Errorf("no video node for %s", facing))
		}
		d.logger.Debugw("No node for requested facing mode, falling back", "facing", facing, "node", node)
	}

	if _, err := os.Stat(node); err != nil {
		return "", classify("open", err)
	}

	return node, nil
}

func (d *FFmpegDevice) args(node string, c Constraints) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-f", d.inputFormat}

	if c.FrameRate > 0 {
		args = append(args, "-framerate", strconv.Itoa(c.FrameRate))
	}
	if !c.Ideal.Empty() {
		args = append(args, "-video_size", c.Ideal.String())
	}

	args = append(args, "-i", node)

	if !c.Max.Empty() {
		args = append(args, "-vf", fmt.Sprintf(
			"scale='min(iw,%d)':'min(ih,%d)':force_original_aspect_ratio=decrease",
			c.Max.Width, c.Max.Height))
	}

	return append(args, "-c:v", "mjpeg", "-q:v", "3", "-f", "mjpeg", "pipe:1")
}

func exitError(waitErr error, stderr string) error {
	stderr = strings.TrimSpace(stderr)

	cause := waitErr
	if stderr != "" {
		lines := strings.Split(stderr, "\n")
		last := strings.TrimSpace(lines[len(lines)-1])
		if waitErr != nil {
			cause = fmt.Errorf("%s: %w", last, waitErr)
		} else {
			cause = errors.New(last)
		}
	}
	if cause == nil {
		cause = errors.New("capture process exited")
	}

	kind := classifyOutput(stderr)
	if kind == KindUnknown {
		kind = KindElementUnavailable
	}

	return newError(kind, "stream", cause)
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
