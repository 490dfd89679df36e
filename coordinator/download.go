package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/cloudcam/cloud"
	"github.com/jmcleod/cloudcam/internal/fsx"
	"github.com/jmcleod/cloudcam/library"
)

// DownloadVideo stores video id. Permanent downloads go into the folder of
// the selected date; others go into the root and become LastVideoPath.
func (c *Coordinator) DownloadVideo(ctx context.Context, id string, permanent bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	folder := ""
	if permanent {
		folder = c.selectedLocked().Format(library.DateLayout)
	}
	p, err := c.downloadVideo(ctx, id, folder)
	if err != nil {
		return "", err
	}
	if !permanent {
		c.view.Lock()
		c.lastVideoPath = p
		c.view.Unlock()
	}
	c.logger.Info("video downloaded", "video_id", id, "permanent", permanent)
	return p, nil
}

// DownloadAllForDate stores every video created on date, with its
// thumbnail, in that date's folder. It returns the stored video paths in
// listing order. Individual failures are logged and skipped.
func (c *Coordinator) DownloadAllForDate(ctx context.Context, date time.Time) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	day := c.dateOf(date)
	folder := day.Format(library.DateLayout)
	log := c.logger.With("date", folder)

	videos, err := c.listDay(ctx, day)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(videos))
	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, v := range videos {
		g.Go(func() error {
			p, err := c.downloadVideo(ctx, v.ID, folder)
			if err != nil {
				log.Warn("video download failed", "video_id", v.ID, "error", err)
				return nil
			}
			paths[i] = p
			if v.CoverURL != "" {
				if err := c.downloadCover(ctx, v, folder); err != nil {
					log.Warn("thumbnail download failed", "video_id", v.ID, "error", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p != "" {
			out = append(out, p)
		}
	}
	log.Info("bulk download finished", slog.Int("listed", len(videos)), slog.Int("stored", len(out)))
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// maxListPages bounds listDay against a service that ignores the page
// parameter.
const maxListPages = 100

// listDay pages through every video created on day. It stops early when a
// page repeats the previous one.
func (c *Coordinator) listDay(ctx context.Context, day time.Time) ([]cloud.Video, error) {
	start, end := dayBounds(day)
	var (
		all      []cloud.Video
		prevHead string
	)
	for page := 1; page <= maxListPages; page++ {
		videos, err := c.cloud.ListVideos(ctx, start, end, page, c.pageSize)
		if err != nil {
			return nil, fmt.Errorf("listing videos: %w", err)
		}
		if len(videos) > 0 && videos[0].ID == prevHead {
			c.logger.Warn("listing repeated a page, stopping", slog.Int("page", page))
			return all, nil
		}
		all = append(all, videos...)
		if len(videos) < c.pageSize {
			return all, nil
		}
		prevHead = videos[0].ID
	}
	c.logger.Warn("listing hit the page limit", slog.Int("pages", maxListPages))
	return all, nil
}

// downloadVideo fetches id and writes it atomically into folder, or the
// root when folder is empty. It touches no coordinator state.
func (c *Coordinator) downloadVideo(ctx context.Context, id, folder string) (string, error) {
	p, err := c.layout.VideoPath(folder, id)
	if err != nil {
		return "", err
	}
	u, err := c.cloud.DownloadURL(ctx, id)
	if err != nil {
		return "", err
	}
	data, err := c.cloud.Download(ctx, u)
	if err != nil {
		return "", err
	}
	if err := fsx.WriteFileAtomic(filepath.Dir(p), filepath.Base(p), data); err != nil {
		return "", fmt.Errorf("writing %s: %w", p, err)
	}
	return p, nil
}

func (c *Coordinator) downloadCover(ctx context.Context, v cloud.Video, folder string) error {
	p, err := c.layout.CoverPath(folder, v.ID)
	if err != nil {
		return err
	}
	data, err := c.cloud.Download(ctx, v.CoverURL)
	if err != nil {
		return err
	}
	return fsx.WriteFileAtomic(filepath.Dir(p), filepath.Base(p), data)
}
