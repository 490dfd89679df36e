package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/cloudcam/library"
)

const maxBodyBytes = 64 << 10

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func mediaURL(rel string) string {
	return (&url.URL{Path: "/media/" + rel}).EscapedPath()
}

func browseURL(rel string) string {
	return (&url.URL{Path: "/api/v1/browse/" + rel}).EscapedPath()
}

// Status reports streaming state and the newest video.
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	s := a.coord.Snapshot()
	resp := StatusResponse{
		SelectedDate: s.SelectedDate,
		VideoCount:   s.Count,
		DeviceID:     a.coord.PrimaryDeviceID(),
	}
	if resp.SelectedDate == "" {
		resp.SelectedDate = a.coord.SelectedDate().Format(library.DateLayout)
	}
	if !s.UpdatedAt.IsZero() {
		updated := s.UpdatedAt
		resp.UpdatedAt = &updated
	}
	if st := a.coord.ActiveStream(); st != nil {
		started := st.StartedAt
		resp.IsStreaming = true
		resp.StreamStartedAt = &started
		resp.StreamURL = st.URL
		resp.DeviceID = st.DeviceID
	}
	if v := s.LastVideo; v != nil {
		resp.LastVideo = &LastVideo{
			ID:          v.ID,
			CreatedAt:   v.Created().UTC(),
			Duration:    v.Duration,
			DeviceID:    v.DeviceID,
			DeviceName:  v.DeviceName,
			ChannelName: v.ChannelName,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSnapshot returns the last published snapshot.
func (a *API) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.coord.Snapshot())
}

// Refresh runs one sync cycle and returns the resulting snapshot.
func (a *API) Refresh(w http.ResponseWriter, r *http.Request) {
	if blocked, retryAfter := a.refreshes.check(); blocked {
		a.audit.log(AuditRefreshThrottled, r, slog.Duration("retry_after", retryAfter))
		writeRateLimited(w, retryAfter)
		return
	}
	a.audit.log(AuditRefreshRequested, r)
	if err := a.coord.Refresh(r.Context()); err != nil {
		a.refreshes.recordFailure()
		a.audit.logFailure(r, err)
		mapError(w, err)
		return
	}
	a.refreshes.recordSuccess()
	writeJSON(w, http.StatusOK, a.coord.Snapshot())
}

// GetDate returns the date the sync loop lists.
func (a *API) GetDate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, DateResponse{Date: a.coord.SelectedDate().Format(library.DateLayout)})
}

// SetDate pins the selected date, or resumes tracking today when the date
// is empty.
func (a *API) SetDate(w http.ResponseWriter, r *http.Request) {
	var req DateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Date == "" {
		a.coord.ClearSelectedDate()
		a.audit.log(AuditDateCleared, r)
	} else {
		d, err := a.coord.ParseDate(req.Date)
		if err != nil {
			mapError(w, err)
			return
		}
		a.coord.SetSelectedDate(d)
		a.audit.log(AuditDateSelected, r, slog.String("date", req.Date))
	}
	writeJSON(w, http.StatusOK, DateResponse{Date: a.coord.SelectedDate().Format(library.DateLayout)})
}

// ListDates lists stored date folders, newest first.
func (a *API) ListDates(w http.ResponseWriter, r *http.Request) {
	dates, err := a.layout.Dates()
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ListDatesResponse{Dates: dates})
}

// ListVideos lists the videos stored for one date.
func (a *API) ListVideos(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	entries, err := a.layout.Videos(date)
	if err != nil {
		mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(entries, limit, offset)

	videos := make([]Video, len(page))
	for i, e := range page {
		videos[i] = Video{VideoEntry: e, URL: mediaURL(e.Path)}
		if e.HasThumbnail {
			videos[i].ThumbnailURL = mediaURL(e.ThumbnailRel)
		}
	}
	writeJSON(w, http.StatusOK, ListVideosResponse{Date: date, Videos: videos, PaginationMeta: meta})
}

// DownloadVideo stores one video, permanently or as the latest clip.
func (a *API) DownloadVideo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "videoID")
	var req DownloadRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p, err := a.coord.DownloadVideo(r.Context(), id, req.Permanent)
	if err != nil {
		a.audit.logFailure(r, err, slog.String("video_id", id))
		mapError(w, err)
		return
	}
	a.audit.log(AuditVideoDownloaded, r, slog.String("video_id", id), slog.Bool("permanent", req.Permanent))
	writeJSON(w, http.StatusOK, DownloadResponse{VideoID: id, Path: p, URL: a.mediaURLFor(p)})
}

// DownloadDate stores every video of a date, the selected one by default.
func (a *API) DownloadDate(w http.ResponseWriter, r *http.Request) {
	var req DownloadDateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	date := a.coord.SelectedDate()
	if req.Date != "" {
		d, err := a.coord.ParseDate(req.Date)
		if err != nil {
			mapError(w, err)
			return
		}
		date = d
	}
	day := date.Format(library.DateLayout)
	paths, err := a.coord.DownloadAllForDate(r.Context(), date)
	if err != nil {
		a.audit.logFailure(r, err, slog.String("date", day))
		mapError(w, err)
		return
	}
	a.audit.log(AuditDateDownloaded, r, slog.String("date", day), slog.Int("count", len(paths)))
	writeJSON(w, http.StatusOK, DownloadDateResponse{
		Date:  day,
		Paths: paths,
		Count: len(paths),
	})
}

// Browse lists one directory of the library.
func (a *API) Browse(w http.ResponseWriter, r *http.Request) {
	listing, err := a.layout.Browse(chi.URLParam(r, "*"))
	if err != nil {
		mapError(w, err)
		return
	}
	resp := BrowseResponse{Title: listing.Title, Path: listing.Path, Items: make([]BrowseItem, len(listing.Items))}
	for i, it := range listing.Items {
		item := BrowseItem{Name: it.Name, Path: it.Path, Dir: it.Dir}
		if it.Dir {
			item.URL = browseURL(it.Path)
		} else {
			item.URL = mediaURL(it.Path)
		}
		if it.Thumbnail != "" {
			item.ThumbnailURL = mediaURL(it.Thumbnail)
		}
		resp.Items[i] = item
	}
	writeJSON(w, http.StatusOK, resp)
}

// LatestThumbnail returns the cover image of the newest video.
func (a *API) LatestThumbnail(w http.ResponseWriter, r *http.Request) {
	data, err := a.coord.LatestThumbnail(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// StartStream returns the active stream, starting one when needed.
func (a *API) StartStream(w http.ResponseWriter, r *http.Request) {
	var req StreamRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, err := a.coord.StreamSource(r.Context(), req.DeviceID)
	if err != nil {
		a.audit.logFailure(r, err, slog.String("device_id", req.DeviceID))
		mapError(w, err)
		return
	}
	resp := StreamResponse{URL: u}
	if st := a.coord.ActiveStream(); st != nil && st.URL == u {
		resp.DeviceID = st.DeviceID
		resp.StreamID = st.ID
		resp.StartedAt = st.StartedAt
	}
	a.audit.log(AuditStreamRequested, r, slog.String("device_id", resp.DeviceID), slog.String("stream_id", resp.StreamID))
	writeJSON(w, http.StatusOK, resp)
}

// StopStream stops the active stream, if any.
func (a *API) StopStream(w http.ResponseWriter, r *http.Request) {
	if err := a.coord.StopStream(r.Context()); err != nil {
		a.audit.logFailure(r, err)
		mapError(w, err)
		return
	}
	a.audit.log(AuditStreamStopped, r)
	w.WriteHeader(http.StatusNoContent)
}

// ServeMedia serves a stored file with range support.
func (a *API) ServeMedia(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(rel)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid path")
			return
		}
		rel = unescaped
	}
	full, err := a.layout.Resolve(rel)
	if err != nil {
		if errors.Is(err, library.ErrForbidden) {
			a.audit.log(AuditPathOutsideLibrary, r)
		}
		mapError(w, err)
		return
	}
	f, err := os.Open(full)
	if err != nil {
		mapError(w, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		mapError(w, err)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// mediaURLFor maps an absolute path under the root to its media URL.
func (a *API) mediaURLFor(p string) string {
	rel, err := filepath.Rel(a.layout.Root(), p)
	if err != nil {
		return ""
	}
	return mediaURL(filepath.ToSlash(rel))
}
