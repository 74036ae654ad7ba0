package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// DefaultMaxCameraFrameBytes bounds a single MJPEG part.
const DefaultMaxCameraFrameBytes = 8 << 20

// ErrFeedEnded is returned by a camera snapshot after the stream stopped.
var ErrFeedEnded = errors.New("capture: camera feed ended")

// CameraOption configures a [Camera].
type CameraOption func(*Camera)

// WithHTTPClient sets the HTTP client used to open the stream.
func WithHTTPClient(c *http.Client) CameraOption {
	return func(cam *Camera) { cam.client = c }
}

// WithCameraEncoding sets the maximum snapshot width and the JPEG quality
// used when a frame has to be downscaled.
func WithCameraEncoding(maxWidth, quality int) CameraOption {
	return func(cam *Camera) {
		if maxWidth > 0 {
			cam.maxWidth = maxWidth
		}
		if quality > 0 {
			cam.quality = quality
		}
	}
}

// WithMaxFrameBytes sets the largest MJPEG part that is kept. Larger parts
// are dropped whole.
func WithMaxFrameBytes(n int64) CameraOption {
	return func(cam *Camera) {
		if n > 0 {
			cam.maxFrameBytes = n
		}
	}
}

// Camera opens a network camera that serves MJPEG over HTTP
// (multipart/x-mixed-replace). It implements [CameraDevice].
type Camera struct {
	url      string
	client   *http.Client
	maxWidth int
	quality  int

	maxFrameBytes int64
}

var _ CameraDevice = (*Camera)(nil)

// NewCamera creates a Camera for the stream at url.
func NewCamera(url string, opts ...CameraOption) *Camera {
	c := &Camera{
		url:      url,
		client:   http.DefaultClient,
		maxWidth: DefaultMaxFrameWidth,
		quality:  DefaultJPEGQuality,

		maxFrameBytes: DefaultMaxCameraFrameBytes,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// OpenCamera connects to the stream. ctx bounds the connection attempt only;
// the feed runs until Close. 401 and 403 map to [ErrPermissionDenied]; an
// unreachable host, any other status or a non-multipart body map to
// [ErrDeviceUnavailable].
func (c *Camera) OpenCamera(ctx context.Context) (Visual, error) {
	if c.url == "" {
		return nil, fmt.Errorf("%w: no camera url", ErrDeviceUnavailable)
	}

	feedCtx, cancel := context.WithCancel(context.Background())
	stopConnectWatch := context.AfterFunc(ctx, cancel)

	req, err := http.NewRequestWithContext(feedCtx, http.MethodGet, c.url, nil)
	if err != nil {
		stopConnectWatch()
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	resp, err := c.client.Do(req)
	stopConnectWatch()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	fail := func(err error) (Visual, error) {
		resp.Body.Close()
		cancel()
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return fail(fmt.Errorf("%w: camera returned %s", ErrPermissionDenied, resp.Status))
	default:
		return fail(fmt.Errorf("%w: camera returned %s", ErrDeviceUnavailable, resp.Status))
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return fail(fmt.Errorf("%w: camera stream is not MJPEG (content type %q)", ErrDeviceUnavailable, resp.Header.Get("Content-Type")))
	}

	feed := &cameraFeed{
		body:     resp.Body,
		cancel:   cancel,
		maxWidth: c.maxWidth,
		maxBytes: c.maxFrameBytes,
		quality:  c.quality,
		done:     make(chan struct{}),
	}
	go feed.readLoop(multipart.NewReader(resp.Body, params["boundary"]))
	return feed, nil
}

// cameraFeed keeps only the most recent frame of an MJPEG stream.
type cameraFeed struct {
	body     io.Closer
	cancel   context.CancelFunc
	maxWidth int
	quality  int
	maxBytes int64

	latest atomic.Pointer[[]byte]
	ended  atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

func (f *cameraFeed) readLoop(mr *multipart.Reader) {
	defer close(f.done)
	defer f.ended.Store(true)

	for {
		part, err := mr.NextPart()
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, io.EOF) {
				slog.Warn("camera feed stopped", "err", err)
			}
			return
		}
		data, err := io.ReadAll(io.LimitReader(part, f.maxBytes+1))
		part.Close()
		if err != nil {
			slog.Warn("camera feed stopped", "err", err)
			return
		}
		if int64(len(data)) > f.maxBytes {
			slog.Warn("dropping oversized camera frame", "limit_bytes", f.maxBytes)
			continue
		}
		if len(data) == 0 {
			continue
		}
		f.latest.Store(&data)
	}
}

// Snapshot returns the latest frame, downscaled if it is wider than the
// configured maximum. Before the first frame it returns nil, nil.
func (f *cameraFeed) Snapshot() ([]byte, error) {
	p := f.latest.Load()
	if p == nil {
		if f.ended.Load() {
			return nil, ErrFeedEnded
		}
		return nil, nil
	}
	frame := *p

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("capture: camera frame: %w", err)
	}
	if f.maxWidth <= 0 || cfg.Width <= f.maxWidth {
		return frame, nil
	}
	img, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("capture: camera frame: %w", err)
	}
	return encodeJPEG(img, f.maxWidth, f.quality)
}

// Close stops the stream and waits for the reader to exit.
func (f *cameraFeed) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		f.body.Close()
		<-f.done
	})
	return nil
}
