package snapqr

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/snapqr/snapqr/pkg/snapqr/camera"
)

func newTestServer(t *testing.T) (*controllerFixture, *httptest.Server) {
	t.Helper()

	f := newControllerFixture(t)
	s := NewServer(zap.NewNop().Sugar(), f.controller, "127.0.0.1:0")
	ts := httptest.NewServer(s.SetupRoutes())

	t.Cleanup(func() {
		ts.Close()
		s.Stop(context.Background())
	})

	return f, ts
}

func post(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()

	resp, err := http.Post(ts.URL+path, "application/json", nil)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeStatus(t *testing.T, resp *http.Response) Status {
	t.Helper()

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", string(body))
}

func TestCameraEndpoints(t *testing.T) {
	_, ts := newTestServer(t)

	resp := post(t, ts, "/api/camera/capture")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = post(t, ts, "/api/camera/open")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeStatus(t, resp)
	assert.Equal(t, ScreenCamera, status.Screen)

	resp = post(t, ts, "/api/camera/capture")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var photo struct {
		ID     string `json:"id"`
		Format string `json:"format"`
		Width  int    `json:"width"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&photo))
	assert.NotEmpty(t, photo.ID)
	assert.Equal(t, "jpeg", photo.Format)
	assert.Equal(t, 64, photo.Width)

	download, err := http.Get(ts.URL + "/api/photo")
	require.NoError(t, err)
	defer download.Body.Close()

	assert.Equal(t, http.StatusOK, download.StatusCode)
	assert.Equal(t, "image/jpeg", download.Header.Get("Content-Type"))
	_, params, err := mime.ParseMediaType(download.Header.Get("Content-Disposition"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(params["filename"], "photo_"))
	assert.True(t, strings.HasSuffix(params["filename"], ".jpg"))

	data, _ := io.ReadAll(download.Body)
	assert.Equal(t, []byte{0xff, 0xd8}, data[:2])

	resp = post(t, ts, "/api/camera/retake")
	assert.Equal(t, ScreenCamera, decodeStatus(t, resp).Screen)

	missing, err := http.Get(ts.URL + "/api/photo")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestCameraErrorResponse(t *testing.T) {
	f, ts := newTestServer(t)
	f.device.setFail(camera.ErrPermissionDenied)

	resp := post(t, ts, "/api/camera/open")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body struct {
		Error string `json:"error"`
		Kind  string `json:"kind"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "permission-denied", body.Kind)
	assert.Contains(t, body.Error, "permission")
}

func TestResultEndpoints(t *testing.T) {
	f, ts := newTestServer(t)

	resp := post(t, ts, "/api/scanner/open")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	f.decoder.push("https://example.com")
	require.Eventually(t, func() bool { return len(f.controller.Results()) == 1 }, 2*time.Second, time.Millisecond)

	list, err := http.Get(ts.URL + "/api/results")
	require.NoError(t, err)
	defer list.Body.Close()

	var results []struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	require.NoError(t, json.NewDecoder(list.Body).Decode(&results))
	require.Len(t, results, 1)
	assert.Equal(t, "https://example.com", results[0].Text)

	id := results[0].ID
	assert.Equal(t, http.StatusOK, post(t, ts, "/api/results/"+id+"/select").StatusCode)
	assert.Equal(t, http.StatusOK, post(t, ts, "/api/results/"+id+"/copy").StatusCode)
	assert.Equal(t, "https://example.com", f.clipboard.contents())
	assert.Equal(t, http.StatusOK, post(t, ts, "/api/results/"+id+"/open").StatusCode)
	assert.Equal(t, "https://example.com", <-f.opened)

	assert.Equal(t, http.StatusNotFound, post(t, ts, "/api/results/nope/copy").StatusCode)

	resp = post(t, ts, "/api/scanner/clear")
	assert.Empty(t, decodeStatus(t, resp).Scanner.Results)

	resp = post(t, ts, "/api/back")
	assert.Equal(t, ScreenMenu, decodeStatus(t, resp).Screen)
}

func TestActionEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	assert.Equal(t, http.StatusBadRequest, post(t, ts, "/api/actions/dance").StatusCode)
	assert.Equal(t, http.StatusConflict, post(t, ts, "/api/actions/retake").StatusCode)

	resp := post(t, ts, "/api/actions/camera")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ScreenCamera, decodeStatus(t, resp).Screen)
}

func TestPreviewStreamsJPEGParts(t *testing.T) {
	_, ts := newTestServer(t)
	post(t, ts, "/api/camera/open")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/camera/preview", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	require.NoError(t, err)
	assert.Equal(t, "multipart/x-mixed-replace", mediaType)

	reader := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 2; i++ {
		part, err := reader.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))

		data, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xff, 0xd8}, data[:2])
	}
}

func TestEventsWebsocket(t *testing.T) {
	_, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg struct {
		Type string `json:"type"`
		Data Status `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "status", msg.Type)
	assert.Equal(t, ScreenMenu, msg.Data.Screen)

	post(t, ts, "/api/camera/open")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Data.Screen == ScreenCamera {
			break
		}
	}
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	_, ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
