package api

import (
	"time"

	"github.com/jmcleod/cloudcam/library"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is returned from GET /status.
type StatusResponse struct {
	IsStreaming     bool       `json:"is_streaming"`
	StreamStartedAt *time.Time `json:"stream_started_at,omitempty"`
	StreamURL       string     `json:"stream_url,omitempty"`
	DeviceID        string     `json:"device_id,omitempty"`
	SelectedDate    string     `json:"selected_date"`
	VideoCount      int        `json:"video_count_today"`
	UpdatedAt       *time.Time `json:"updated_at,omitempty"`
	LastVideo       *LastVideo `json:"last_video,omitempty"`
}

// LastVideo summarizes the newest video of the last refresh.
type LastVideo struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Duration    float64   `json:"duration"`
	DeviceID    string    `json:"device_id"`
	DeviceName  string    `json:"device_name,omitempty"`
	ChannelName string    `json:"channel_name,omitempty"`
}

// DateRequest is the JSON body for PUT /date. An empty date resumes
// tracking the current day.
type DateRequest struct {
	Date string `json:"date"`
}

// DateResponse is returned from GET and PUT /date.
type DateResponse struct {
	Date string `json:"date"`
}

// ListDatesResponse is returned from GET /dates.
type ListDatesResponse struct {
	Dates []library.DateEntry `json:"dates"`
}

// Video is one stored video with its media URLs.
type Video struct {
	library.VideoEntry
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// ListVideosResponse is returned from GET /videos/{date}.
type ListVideosResponse struct {
	Date   string  `json:"date"`
	Videos []Video `json:"videos"`
	PaginationMeta
}

// DownloadRequest is the optional JSON body for
// POST /videos/{videoID}/download.
type DownloadRequest struct {
	Permanent bool `json:"permanent"`
}

// DownloadResponse is returned from POST /videos/{videoID}/download.
type DownloadResponse struct {
	VideoID string `json:"video_id"`
	Path    string `json:"path"`
	URL     string `json:"url"`
}

// BrowseItem is one child of a browsed directory. URL points at the
// browse endpoint for directories and at the media file for videos.
type BrowseItem struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	Dir          bool   `json:"dir"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// BrowseResponse is returned from GET /browse/{path}.
type BrowseResponse struct {
	Title string       `json:"title"`
	Path  string       `json:"path"`
	Items []BrowseItem `json:"items"`
}

// DownloadDateRequest is the JSON body for POST /downloads.
type DownloadDateRequest struct {
	Date string `json:"date"`
}

// DownloadDateResponse is returned from POST /downloads.
type DownloadDateResponse struct {
	Date  string   `json:"date"`
	Paths []string `json:"paths"`
	Count int      `json:"count"`
}

// StreamRequest is the optional JSON body for POST /stream.
type StreamRequest struct {
	DeviceID string `json:"device_id"`
}

// StreamResponse is returned from POST /stream.
type StreamResponse struct {
	URL       string    `json:"url"`
	DeviceID  string    `json:"device_id,omitempty"`
	StreamID  string    `json:"stream_id,omitempty"`
	StartedAt time.Time `json:"started_at"`
}
