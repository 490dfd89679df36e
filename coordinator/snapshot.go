package coordinator

import (
	"slices"
	"time"

	"github.com/jmcleod/cloudcam/cloud"
)

// Snapshot is the immutable result of one refresh cycle.
type Snapshot struct {
	Videos            []cloud.Video `json:"videos"`
	Count             int           `json:"video_count"`
	LastVideo         *cloud.Video  `json:"last_video,omitempty"`
	LastThumbnailPath string        `json:"last_thumbnail_path,omitempty"`
	SelectedDate      string        `json:"selected_date"`
	UpdatedAt         time.Time     `json:"updated_at"`
	CycleID           string        `json:"cycle_id,omitempty"`
}

// clone returns a deep copy so callers can never mutate published state.
func (s Snapshot) clone() Snapshot {
	s.Videos = slices.Clone(s.Videos)
	if s.Videos == nil {
		s.Videos = []cloud.Video{}
	}
	if s.LastVideo != nil {
		v := *s.LastVideo
		s.LastVideo = &v
	}
	return s
}
