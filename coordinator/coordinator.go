// Package coordinator runs the periodic sync against the video service and
// serializes every command that touches shared state: date selection,
// downloads and the single live stream.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmcleod/cloudcam/cloud"
	"github.com/jmcleod/cloudcam/internal/fsx"
	"github.com/jmcleod/cloudcam/internal/uuid"
	"github.com/jmcleod/cloudcam/library"
)

const (
	DefaultRefreshInterval   = 5 * time.Minute
	DefaultStreamIdleTimeout = 300 * time.Second
	DefaultPageSize          = 1000
	DefaultDownloadWorkers   = 4

	// stopTimeout bounds stream stops that have no caller context.
	stopTimeout = 30 * time.Second
)

// Cloud is the part of *cloud.Client the coordinator depends on.
type Cloud interface {
	ListVideos(ctx context.Context, start, end time.Time, page, count int) ([]cloud.Video, error)
	DownloadURL(ctx context.Context, videoID string) (string, error)
	Download(ctx context.Context, rawURL string) ([]byte, error)
	ListDevices(ctx context.Context) ([]cloud.Device, error)
	StartLivestream(ctx context.Context, deviceID string) (*cloud.Stream, error)
	StopLivestream(ctx context.Context, deviceID, streamID string) error
}

// Coordinator owns the sync loop and the state derived from it.
type Coordinator struct {
	cloud  Cloud
	layout *library.Layout
	logger *slog.Logger
	now    func() time.Time

	interval    time.Duration
	idleTimeout time.Duration
	pageSize    int
	workers     int
	loc         *time.Location

	// mu serializes refresh cycles and commands.
	mu            sync.Mutex
	devicesLoaded bool
	selected      time.Time
	pinned        bool
	lastVideo     *cloud.Video
	lastThumb     string
	thumbPending  bool
	idle          *time.Timer
	idleSeq       uint64

	// view guards state read by accessors while mu may be held across I/O.
	view          sync.RWMutex
	devices       []cloud.Device
	stream        *cloud.Stream
	lastVideoPath string

	snap atomic.Pointer[Snapshot]

	subMu  sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRefreshInterval sets the period of the sync loop.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.interval = d }
}

// WithStreamIdleTimeout sets how long a stream may go unused before it is
// stopped automatically.
func WithStreamIdleTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.idleTimeout = d }
}

// WithPageSize sets the number of videos requested per listing.
func WithPageSize(n int) Option {
	return func(c *Coordinator) { c.pageSize = n }
}

// WithDownloadWorkers bounds concurrent downloads in DownloadAllForDate.
func WithDownloadWorkers(n int) Option {
	return func(c *Coordinator) { c.workers = n }
}

// WithLocation sets the time zone that defines "today" and day bounds.
func WithLocation(loc *time.Location) Option {
	return func(c *Coordinator) { c.loc = loc }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

// New returns a Coordinator writing into layout. Nothing runs until Start
// or a command is called.
func New(cl Cloud, layout *library.Layout, opts ...Option) *Coordinator {
	c := &Coordinator{
		cloud:       cl,
		layout:      layout,
		now:         time.Now,
		interval:    DefaultRefreshInterval,
		idleTimeout: DefaultStreamIdleTimeout,
		pageSize:    DefaultPageSize,
		workers:     DefaultDownloadWorkers,
		loc:         time.Local,
		subs:        make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	c.logger = c.logger.With("component", "coordinator")
	if c.workers < 1 {
		c.workers = 1
	}
	if c.pageSize < 1 {
		c.pageSize = DefaultPageSize
	}
	c.selected = c.today()
	return c
}

// Start runs the sync loop in the background: one refresh immediately,
// then one per interval until Close.
func (c *Coordinator) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
	return nil
}

func (c *Coordinator) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("refresh failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops the loop, cancels the idle timer and stops an active
// stream. It is safe to call more than once.
func (c *Coordinator) Close(ctx context.Context) error {
	c.runMu.Lock()
	c.closed = true
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelIdleLocked()
	return c.stopStreamLocked(ctx)
}

func (c *Coordinator) isClosed() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.closed
}

// Refresh runs one sync cycle and publishes a new snapshot.
func (c *Coordinator) Refresh(ctx context.Context) error {
	snap, err := c.refresh(ctx)
	if err != nil {
		return err
	}
	c.notify(snap)
	return nil
}

func (c *Coordinator) refresh(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cycle := uuid.New()
	log := c.logger.With("cycle_id", cycle)

	if !c.devicesLoaded {
		c.loadDevicesLocked(ctx, log)
	}

	day := c.selectedLocked()
	start, end := dayBounds(day)
	videos, err := c.cloud.ListVideos(ctx, start, end, 1, c.pageSize)
	if err != nil {
		return Snapshot{}, &UpdateFailedError{Cause: err}
	}

	if len(videos) > 0 && (c.lastVideo == nil || c.lastVideo.ID != videos[0].ID) {
		head := videos[0]
		c.lastVideo = &head
		// The stored thumbnail belongs to the previous head until replaced.
		c.lastThumb = ""
		c.thumbPending = head.CoverURL != ""
		log.Info("new video", "video_id", head.ID, "device_id", head.DeviceID)
	}
	if c.thumbPending {
		v := c.lastVideo
		if err := c.fetchThumbnail(ctx, v.CoverURL); err != nil {
			log.Warn("thumbnail download failed, retrying next cycle", "video_id", v.ID, "error", err)
		} else {
			c.lastThumb = c.layout.ThumbnailPath()
			c.thumbPending = false
		}
	}

	snap := Snapshot{
		Videos:            videos,
		Count:             len(videos),
		LastVideo:         c.lastVideo,
		LastThumbnailPath: c.lastThumb,
		SelectedDate:      day.Format(library.DateLayout),
		UpdatedAt:         c.now(),
		CycleID:           cycle,
	}.clone()
	c.snap.Store(&snap)
	log.Debug("refresh complete", "videos", snap.Count, "selected_date", snap.SelectedDate)
	return snap, nil
}

func (c *Coordinator) loadDevicesLocked(ctx context.Context, log *slog.Logger) {
	devices, err := c.cloud.ListDevices(ctx)
	if err != nil {
		log.Warn("loading devices failed, retrying next cycle", "error", err)
		return
	}
	c.view.Lock()
	c.devices = devices
	c.view.Unlock()
	c.devicesLoaded = true
	log.Info("devices loaded", "count", len(devices))
}

func (c *Coordinator) fetchThumbnail(ctx context.Context, coverURL string) error {
	data, err := c.cloud.Download(ctx, coverURL)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(c.layout.Root(), library.ThumbnailName, data)
}

// SetSelectedDate pins the date the sync loop lists. Pinning today's date
// resumes tracking the current day.
func (c *Coordinator) SetSelectedDate(date time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.dateOf(date)
	c.pinned = !d.Equal(c.today())
	c.selected = d
	c.logger.Info("selected date changed", "selected_date", d.Format(library.DateLayout), "pinned", c.pinned)
}

// ClearSelectedDate resumes tracking the current day.
func (c *Coordinator) ClearSelectedDate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned = false
	c.selected = c.today()
}

// SelectedDate returns the date the next refresh will list.
func (c *Coordinator) SelectedDate() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectedLocked()
}

func (c *Coordinator) selectedLocked() time.Time {
	if !c.pinned {
		c.selected = c.today()
	}
	return c.selected
}

// ParseDate parses a YYYY-MM-DD date in the coordinator's time zone.
func (c *Coordinator) ParseDate(s string) (time.Time, error) {
	if err := library.ValidateDate(s); err != nil {
		return time.Time{}, err
	}
	return time.ParseInLocation(library.DateLayout, s, c.loc)
}

func (c *Coordinator) today() time.Time {
	return c.dateOf(c.now())
}

func (c *Coordinator) dateOf(t time.Time) time.Time {
	y, m, d := t.In(c.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}

// dayBounds returns the first and last instant of day.
func dayBounds(day time.Time) (time.Time, time.Time) {
	return day, day.AddDate(0, 0, 1).Add(-time.Nanosecond)
}

// Snapshot returns the last published snapshot, or an empty one before the
// first successful refresh.
func (c *Coordinator) Snapshot() Snapshot {
	if s := c.snap.Load(); s != nil {
		return s.clone()
	}
	return Snapshot{Videos: []cloud.Video{}}
}

// Devices returns the cached device list.
func (c *Coordinator) Devices() []cloud.Device {
	c.view.RLock()
	defer c.view.RUnlock()
	out := make([]cloud.Device, len(c.devices))
	copy(out, c.devices)
	return out
}

// PrimaryDeviceID returns the first cached device, falling back to the
// device of the newest video.
func (c *Coordinator) PrimaryDeviceID() string {
	c.view.RLock()
	if len(c.devices) > 0 {
		id := c.devices[0].ID
		c.view.RUnlock()
		return id
	}
	c.view.RUnlock()
	if s := c.snap.Load(); s != nil && s.LastVideo != nil {
		return s.LastVideo.DeviceID
	}
	return ""
}

// LastVideoPath returns the path of the most recent non-permanent download.
func (c *Coordinator) LastVideoPath() string {
	c.view.RLock()
	defer c.view.RUnlock()
	return c.lastVideoPath
}

// Subscribe registers fn to receive every published snapshot. fn runs on
// the refreshing goroutine and must not block. The returned func
// unsubscribes.
func (c *Coordinator) Subscribe(fn func(Snapshot)) func() {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	return func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		delete(c.subs, id)
	}
}

func (c *Coordinator) notify(s Snapshot) {
	c.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn(s.clone())
	}
}

// LatestThumbnail returns the stored cover of the newest video, falling
// back to fetching it from the service.
func (c *Coordinator) LatestThumbnail(ctx context.Context) ([]byte, error) {
	s := c.snap.Load()
	if s == nil {
		return nil, ErrNoThumbnail
	}
	if s.LastThumbnailPath != "" {
		data, err := os.ReadFile(s.LastThumbnailPath)
		if err == nil {
			return data, nil
		}
		c.logger.Debug("stored thumbnail unreadable", "error", err)
	}
	if s.LastVideo == nil || s.LastVideo.CoverURL == "" {
		return nil, ErrNoThumbnail
	}
	data, err := c.cloud.Download(ctx, s.LastVideo.CoverURL)
	if err != nil {
		return nil, fmt.Errorf("fetching cover: %w", err)
	}
	return data, nil
}
