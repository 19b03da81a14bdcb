package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	defaultSnapshotInterval = 200 * time.Millisecond
	maxSnapshotSize         = 16 * 1024 * 1024
)

// SnapshotDevice polls network cameras that expose a JPEG snapshot URL.
type SnapshotDevice struct {
	logger        *zap.SugaredLogger
	client        *http.Client
	urls          map[FacingMode]string
	interval      time.Duration
	allowInsecure bool
}

// NewSnapshotDevice creates a device mapping facing modes to snapshot URLs.
// Plain HTTP is only accepted for loopback hosts unless allowInsecure is set.
func NewSnapshotDevice(logger *zap.SugaredLogger, client *http.Client, urls map[FacingMode]string, interval time.Duration, allowInsecure bool) *SnapshotDevice {
	logger = logger.Named("snapshot")

	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}

	d := &SnapshotDevice{
		logger:        logger,
		client:        client,
		urls:          make(map[FacingMode]string, len(urls)),
		interval:      interval,
		allowInsecure: allowInsecure,
	}

	for facing, u := range urls {
		if u != "" {
			d.urls[facing] = u
		}
	}

	logger.Debugw("Created snapshot device", "cameras", len(d.urls), "interval", interval)
	return d
}

// Open starts polling the snapshot URL for c.Facing. Constraints other than
// the facing mode are left to the camera's own configuration.
func (d *SnapshotDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, err := d.resolveURL(c.Facing)
	if err != nil {
		return nil, err
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})

	stream := newFrameStream(func() error {
		cancel()
		<-stopped
		return nil
	})

	go func() {
		defer close(stopped)
		d.poll(pollCtx, target, stream)
	}()

	return stream, nil
}

func (d *SnapshotDevice) resolveURL(facing FacingMode) (string, error) {
	raw, ok := d.urls[facing]
	if !ok {
		raw, ok = d.urls[facing.Opposite()]
	}
	if !ok {
		return "", newError(KindDeviceNotFound, "open", fmt.Errorf("no snapshot url for %s", facing))
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", newError(KindUnsupported, "open", fmt.Errorf("parse snapshot url: %w", err))
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !d.allowInsecure && !isLoopback(u.Hostname()) {
			return "", newError(KindInsecureContext, "open", fmt.Errorf("refusing plain http to %s", u.Host))
		}
	default:
		return "", newError(KindUnsupported, "open", fmt.Errorf("unsupported scheme %q", u.Scheme))
	}

	return u.String(), nil
}

func (d *SnapshotDevice) poll(ctx context.Context, target string, stream *frameStream) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	ready := false
	for {
		data, err := d.fetch(ctx, target)
		switch {
		case ctx.Err() != nil:
			return
		case err == nil:
			stream.publish(data)
			ready = true
		case !ready:
			// nothing usable yet, so this is a start failure
			stream.finish(err)
			return
		default:
			d.logger.Debugw("Snapshot fetch failed, retrying", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *SnapshotDevice) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, newError(KindUnsupported, "fetch", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && !netErr.Timeout() {
			return nil, newError(KindDeviceNotFound, "fetch", err)
		}
		return nil, newError(KindElementUnavailable, "fetch", err)
	}
	defer resp.Body.Close()

	if kind := statusKind(resp.StatusCode); kind != KindUnknown {
		return nil, newError(kind, "fetch", fmt.Errorf("snapshot returned %s", resp.Status))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotSize))
	if err != nil {
		return nil, newError(KindElementUnavailable, "fetch", err)
	}
	if len(data) < len(jpegSOI) || !strings.HasPrefix(string(data[:2]), string(jpegSOI)) {
		return nil, newError(KindElementUnavailable, "fetch", errors.New("snapshot is not a jpeg image"))
	}

	return data, nil
}

func statusKind(code int) ErrorKind {
	switch {
	case code == http.StatusOK:
		return KindUnknown
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindPermissionDenied
	case code == http.StatusNotFound:
		return KindDeviceNotFound
	case code == http.StatusConflict || code == http.StatusLocked || code == http.StatusServiceUnavailable:
		return KindDeviceBusy
	}
	return KindElementUnavailable
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
