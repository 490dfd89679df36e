package cloud

import "time"

// Video is one recorded event as returned by the service. The first item
// of a listing is the most recent.
type Video struct {
	ID          string  `json:"id"`
	CreatedAt   int64   `json:"createdAt"`
	Duration    float64 `json:"duration"`
	DeviceID    string  `json:"deviceId"`
	DeviceName  string  `json:"deviceName"`
	ChannelName string  `json:"channelName"`
	CoverURL    string  `json:"coverUrl"`
}

// Created returns CreatedAt, which is in epoch milliseconds, as a time.
func (v Video) Created() time.Time {
	return time.UnixMilli(v.CreatedAt)
}

// Device is a camera registered to the account.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Stream is a live stream session started on a device.
type Stream struct {
	DeviceID  string    `json:"device_id"`
	ID        string    `json:"stream_id"`
	URL       string    `json:"url"`
	StartedAt time.Time `json:"started_at"`
}
