package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/cloudcam/api"
	"github.com/jmcleod/cloudcam/cloud"
	"github.com/jmcleod/cloudcam/coordinator"
	"github.com/jmcleod/cloudcam/library"
)

var testNow = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

type fakeCloud struct {
	mu      sync.Mutex
	videos  map[string][]cloud.Video
	listErr error
	devices []cloud.Device
	files   map[string][]byte
	started int
	stopped int
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		videos: make(map[string][]cloud.Video),
		files:  make(map[string][]byte),
	}
}

func (f *fakeCloud) ListVideos(_ context.Context, start, _ time.Time, page, count int) ([]cloud.Video, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	all := f.videos[start.Format(library.DateLayout)]
	lo := min((page-1)*count, len(all))
	hi := min(lo+count, len(all))
	return append([]cloud.Video(nil), all[lo:hi]...), nil
}

func (f *fakeCloud) DownloadURL(_ context.Context, id string) (string, error) {
	return "https://cdn.test/" + id + ".mp4", nil
}

func (f *fakeCloud) Download(_ context.Context, rawURL string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[rawURL]
	if !ok {
		return nil, fmt.Errorf("download: %w", cloud.ErrNotFound)
	}
	return data, nil
}

func (f *fakeCloud) ListDevices(context.Context) ([]cloud.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.devices, nil
}

func (f *fakeCloud) StartLivestream(_ context.Context, deviceID string) (*cloud.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	id := fmt.Sprintf("s%d", f.started)
	return &cloud.Stream{DeviceID: deviceID, ID: id, URL: "https://live.test/" + id, StartedAt: testNow}, nil
}

func (f *fakeCloud) StopLivestream(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeCloud) set(fn func(f *fakeCloud)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type testEnv struct {
	srv     *httptest.Server
	handler http.Handler
	cloud   *fakeCloud
	root    string
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	layout, err := library.New(root)
	require.NoError(t, err)

	discard := slog.New(slog.DiscardHandler)
	f := newFakeCloud()
	coord := coordinator.New(f, layout,
		coordinator.WithClock(func() time.Time { return testNow }),
		coordinator.WithLocation(time.UTC),
		coordinator.WithStreamIdleTimeout(time.Hour),
		coordinator.WithLogger(discard))
	t.Cleanup(func() { _ = coord.Close(context.Background()) })

	a := api.New(coord, layout, api.WithLogger(discard))
	r := chi.NewRouter()
	r.Use(api.SecurityHeaders)
	r.Mount("/api/v1", a.Router())
	r.Mount("/media", a.MediaRouter())

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, handler: r, cloud: f, root: layout.Root()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&reqBody).Encode(body))
	}
	req, err := http.NewRequestWithContext(t.Context(), method, e.srv.URL+path, &reqBody)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) writeFile(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(e.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func seedVideos(f *fakeCloud) {
	f.set(func(f *fakeCloud) {
		f.videos["2024-03-05"] = []cloud.Video{
			{ID: "v2", CreatedAt: testNow.UnixMilli(), Duration: 12.5, DeviceID: "d1", DeviceName: "Porch", CoverURL: "https://cdn.test/v2.jpg"},
			{ID: "v1", DeviceID: "d1"},
		}
		f.files["https://cdn.test/v2.jpg"] = []byte("jpeg-v2")
		f.files["https://cdn.test/v1.mp4"] = []byte("0123456789")
	})
}

func TestStatusAndRefresh(t *testing.T) {
	e := setupServer(t)
	seedVideos(e.cloud)

	resp := e.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode[api.StatusResponse](t, resp)
	assert.False(t, status.IsStreaming)
	assert.Equal(t, "2024-03-05", status.SelectedDate)
	assert.Nil(t, status.LastVideo)

	resp = e.do(t, http.MethodPost, "/api/v1/refresh", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decode[coordinator.Snapshot](t, resp)
	assert.Equal(t, 2, snap.Count)
	require.NotNil(t, snap.LastVideo)
	assert.Equal(t, "v2", snap.LastVideo.ID)

	resp = e.do(t, http.MethodGet, "/api/v1/snapshot", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, snap.CycleID, decode[coordinator.Snapshot](t, resp).CycleID)

	status = decode[api.StatusResponse](t, e.do(t, http.MethodGet, "/api/v1/status", nil))
	assert.Equal(t, 2, status.VideoCount)
	require.NotNil(t, status.LastVideo)
	assert.Equal(t, "v2", status.LastVideo.ID)
	assert.Equal(t, "Porch", status.LastVideo.DeviceName)
	assert.Equal(t, 12.5, status.LastVideo.Duration)
	assert.True(t, testNow.Equal(status.LastVideo.CreatedAt))
	assert.Equal(t, "d1", status.DeviceID)
}

func TestRefresh_UpstreamFailure(t *testing.T) {
	e := setupServer(t)
	e.cloud.set(func(f *fakeCloud) { f.listErr = &cloud.StatusError{Op: "list videos", StatusCode: http.StatusInternalServerError} })

	resp := e.do(t, http.MethodPost, "/api/v1/refresh", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.NotEmpty(t, decode[api.ErrorResponse](t, resp).Error)
}

func TestSelectedDate(t *testing.T) {
	e := setupServer(t)

	resp := e.do(t, http.MethodPut, "/api/v1/date", api.DateRequest{Date: "2024-03-01"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2024-03-01", decode[api.DateResponse](t, resp).Date)
	assert.Equal(t, "2024-03-01", decode[api.DateResponse](t, e.do(t, http.MethodGet, "/api/v1/date", nil)).Date)

	resp = e.do(t, http.MethodPut, "/api/v1/date", api.DateRequest{Date: "2024-02-30"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPut, "/api/v1/date", api.DateRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2024-03-05", decode[api.DateResponse](t, resp).Date)

	resp = e.do(t, http.MethodPut, "/api/v1/date", "not an object")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadVideo(t *testing.T) {
	e := setupServer(t)
	seedVideos(e.cloud)

	resp := e.do(t, http.MethodPost, "/api/v1/videos/v1/download", api.DownloadRequest{Permanent: true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dl := decode[api.DownloadResponse](t, resp)
	assert.Equal(t, filepath.Join(e.root, "2024-03-05", "v1.mp4"), dl.Path)
	assert.Equal(t, "/media/2024-03-05/v1.mp4", dl.URL)

	resp = e.do(t, http.MethodPost, "/api/v1/videos/v1/download", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dl = decode[api.DownloadResponse](t, resp)
	assert.Equal(t, filepath.Join(e.root, "v1.mp4"), dl.Path)
	assert.Equal(t, "/media/v1.mp4", dl.URL)

	resp = e.do(t, http.MethodGet, "/media/2024-03-05/v1.mp4", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "0123456789", string(body))

	resp = e.do(t, http.MethodPost, "/api/v1/videos/missing/download", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/api/v1/videos/a..b/download", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDownloadDate(t *testing.T) {
	e := setupServer(t)
	e.cloud.set(func(f *fakeCloud) {
		f.videos["2024-03-04"] = []cloud.Video{{ID: "a", CoverURL: "https://cdn.test/a.jpg"}, {ID: "b"}, {ID: "gone"}}
		f.files["https://cdn.test/a.mp4"] = []byte("a")
		f.files["https://cdn.test/a.jpg"] = []byte("a-cover")
		f.files["https://cdn.test/b.mp4"] = []byte("b")
	})

	resp := e.do(t, http.MethodPost, "/api/v1/downloads", api.DownloadDateRequest{Date: "2024-03-04"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[api.DownloadDateResponse](t, resp)
	assert.Equal(t, "2024-03-04", out.Date)
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, []string{
		filepath.Join(e.root, "2024-03-04", "a.mp4"),
		filepath.Join(e.root, "2024-03-04", "b.mp4"),
	}, out.Paths)
	assert.FileExists(t, filepath.Join(e.root, "2024-03-04", "a.jpg"))

	// Defaults to the selected date, which has nothing listed.
	resp = e.do(t, http.MethodPost, "/api/v1/downloads", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out = decode[api.DownloadDateResponse](t, resp)
	assert.Equal(t, "2024-03-05", out.Date)
	assert.Equal(t, 0, out.Count)

	resp = e.do(t, http.MethodPost, "/api/v1/downloads", api.DownloadDateRequest{Date: "yesterday"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLibraryViews(t *testing.T) {
	e := setupServer(t)
	e.writeFile(t, "2024-03-04/a.mp4", "aaaa")
	e.writeFile(t, "2024-03-04/a.jpg", "cover")
	e.writeFile(t, "2024-03-04/b.mp4", "bb")
	e.writeFile(t, "2024-03-05/c.mp4", "c")

	resp := e.do(t, http.MethodGet, "/api/v1/dates", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []library.DateEntry{
		{Date: "2024-03-05", VideoCount: 1},
		{Date: "2024-03-04", VideoCount: 2},
	}, decode[api.ListDatesResponse](t, resp).Dates)

	resp = e.do(t, http.MethodGet, "/api/v1/videos/2024-03-04", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[api.ListVideosResponse](t, resp)
	require.Len(t, list.Videos, 2)
	assert.Equal(t, "b", list.Videos[0].ID)
	assert.Equal(t, "/media/2024-03-04/b.mp4", list.Videos[0].URL)
	assert.False(t, list.Videos[0].HasThumbnail)
	assert.Equal(t, "a", list.Videos[1].ID)
	assert.Equal(t, int64(4), list.Videos[1].Size)
	assert.Equal(t, "/media/2024-03-04/a.jpg", list.Videos[1].ThumbnailURL)
	assert.Equal(t, 2, list.TotalCount)

	list = decode[api.ListVideosResponse](t, e.do(t, http.MethodGet, "/api/v1/videos/2024-03-04?limit=1", nil))
	require.Len(t, list.Videos, 1)
	assert.True(t, list.HasMore)

	resp = e.do(t, http.MethodGet, "/api/v1/videos/not-a-date", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBrowse(t *testing.T) {
	e := setupServer(t)
	e.writeFile(t, "2024-03-04/a.mp4", "aaaa")
	e.writeFile(t, "2024-03-04/a.jpg", "cover")
	e.writeFile(t, "2024-03-05/c.mp4", "c")

	resp := e.do(t, http.MethodGet, "/api/v1/browse", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	root := decode[api.BrowseResponse](t, resp)
	assert.Equal(t, "Library", root.Title)
	require.Len(t, root.Items, 2)
	assert.Equal(t, api.BrowseItem{Name: "2024-03-05", Path: "2024-03-05", Dir: true, URL: "/api/v1/browse/2024-03-05"}, root.Items[0])

	resp = e.do(t, http.MethodGet, "/api/v1/browse/2024-03-04", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	day := decode[api.BrowseResponse](t, resp)
	assert.Equal(t, "2024-03-04", day.Title)
	assert.Equal(t, []api.BrowseItem{{
		Name:         "a",
		Path:         "2024-03-04/a.mp4",
		URL:          "/media/2024-03-04/a.mp4",
		ThumbnailURL: "/media/2024-03-04/a.jpg",
	}}, day.Items)

	resp = e.do(t, http.MethodGet, "/api/v1/browse/2024-03-04/a.mp4", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMedia(t *testing.T) {
	e := setupServer(t)
	e.writeFile(t, "2024-03-04/a.mp4", "0123456789")

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, e.srv.URL+"/media/2024-03-04/a.mp4", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=2-4")
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "234", string(body))

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/media/2024-03-04/missing.mp4", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodGet, "/media/2024-03-04", nil).StatusCode)

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/../outside.txt", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMedia_SymlinkEscape(t *testing.T) {
	e := setupServer(t)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o600))
	if err := os.Symlink(outside, filepath.Join(e.root, "link.mp4")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	assert.Equal(t, http.StatusForbidden, e.do(t, http.MethodGet, "/media/link.mp4", nil).StatusCode)
}

func TestLatestThumbnail(t *testing.T) {
	e := setupServer(t)

	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/api/v1/thumbnail/latest", nil).StatusCode)

	seedVideos(e.cloud)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/refresh", nil).StatusCode)

	resp := e.do(t, http.MethodGet, "/api/v1/thumbnail/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg-v2", string(body))
}

func TestStream_NoDevice(t *testing.T) {
	e := setupServer(t)

	resp := e.do(t, http.MethodPost, "/api/v1/stream", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStream(t *testing.T) {
	e := setupServer(t)
	e.cloud.set(func(f *fakeCloud) { f.devices = []cloud.Device{{ID: "d1", Name: "Porch"}} })

	resp := e.do(t, http.MethodPost, "/api/v1/stream", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decode[api.StreamResponse](t, resp)
	assert.Equal(t, "https://live.test/s1", st.URL)
	assert.Equal(t, "d1", st.DeviceID)
	assert.Equal(t, "s1", st.StreamID)

	resp = e.do(t, http.MethodPost, "/api/v1/stream", api.StreamRequest{DeviceID: "d1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, st.URL, decode[api.StreamResponse](t, resp).URL)

	status := decode[api.StatusResponse](t, e.do(t, http.MethodGet, "/api/v1/status", nil))
	assert.True(t, status.IsStreaming)
	require.NotNil(t, status.StreamStartedAt)
	assert.Equal(t, "https://live.test/s1", status.StreamURL)

	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/api/v1/stream", nil).StatusCode)
	assert.Equal(t, http.StatusNoContent, e.do(t, http.MethodDelete, "/api/v1/stream", nil).StatusCode)

	e.cloud.set(func(f *fakeCloud) {
		assert.Equal(t, 1, f.started)
		assert.Equal(t, 1, f.stopped)
	})
	status = decode[api.StatusResponse](t, e.do(t, http.MethodGet, "/api/v1/status", nil))
	assert.False(t, status.IsStreaming)
}

func TestEvents(t *testing.T) {
	e := setupServer(t)
	seedVideos(e.cloud)

	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/api/v1/events"
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	var ev api.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, api.EventSnapshot, ev.Type)
	assert.Equal(t, 0, ev.Snapshot.Count)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodPost, "/api/v1/refresh", nil).StatusCode)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, 2, ev.Snapshot.Count)
	require.NotNil(t, ev.Snapshot.LastVideo)
	assert.Equal(t, "v2", ev.Snapshot.LastVideo.ID)
}

func TestSecurityHeaders(t *testing.T) {
	e := setupServer(t)
	resp := e.do(t, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", resp.Header.Get("X-Frame-Options"))
	assert.NotEmpty(t, resp.Header.Get("Content-Security-Policy"))
	assert.Empty(t, resp.Header.Get("Strict-Transport-Security"))
}

func TestRefresh_Timeout(t *testing.T) {
	e := setupServer(t)
	e.cloud.set(func(f *fakeCloud) { f.listErr = errors.Join(errors.New("list"), context.DeadlineExceeded) })

	assert.Equal(t, http.StatusGatewayTimeout, e.do(t, http.MethodPost, "/api/v1/refresh", nil).StatusCode)
}

func TestRefresh_BacksOffAfterRepeatedFailures(t *testing.T) {
	e := setupServer(t)
	e.cloud.set(func(f *fakeCloud) { f.listErr = &cloud.StatusError{Op: "list videos", StatusCode: http.StatusServiceUnavailable} })

	for range 3 {
		assert.Equal(t, http.StatusBadGateway, e.do(t, http.MethodPost, "/api/v1/refresh", nil).StatusCode)
	}
	resp := e.do(t, http.MethodPost, "/api/v1/refresh", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}
