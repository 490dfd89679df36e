package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/jmcleod/cloudcam/cloud"
)

// StartStream starts a live stream on deviceID, or on PrimaryDeviceID when
// it is empty. An active stream is stopped first. The stream is stopped
// automatically after the idle timeout unless StreamSource touches it.
func (c *Coordinator) StartStream(ctx context.Context, deviceID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return "", ErrClosed
	}
	return c.startStreamLocked(ctx, deviceID)
}

// StopStream stops the active stream, if any. The stream stays recorded
// when the service does not confirm the stop.
func (c *Coordinator) StopStream(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopStreamLocked(ctx)
}

// StreamSource returns a playable URL for deviceID, reusing the active
// stream when it matches and restarting its idle timer.
func (c *Coordinator) StreamSource(ctx context.Context, deviceID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return "", ErrClosed
	}

	if s := c.activeStream(); s != nil && (deviceID == "" || deviceID == s.DeviceID) {
		c.armIdleLocked()
		c.logger.Debug("reusing stream", "device_id", s.DeviceID, "stream_id", s.ID)
		return s.URL, nil
	}
	return c.startStreamLocked(ctx, deviceID)
}

// ActiveStream returns a copy of the active stream, or nil.
func (c *Coordinator) ActiveStream() *cloud.Stream {
	return c.activeStream()
}

func (c *Coordinator) activeStream() *cloud.Stream {
	c.view.RLock()
	defer c.view.RUnlock()
	if c.stream == nil {
		return nil
	}
	s := *c.stream
	return &s
}

func (c *Coordinator) setStream(s *cloud.Stream) {
	c.view.Lock()
	c.stream = s
	c.view.Unlock()
}

func (c *Coordinator) startStreamLocked(ctx context.Context, deviceID string) (string, error) {
	if deviceID == "" {
		if !c.devicesLoaded {
			c.loadDevicesLocked(ctx, c.logger)
		}
		deviceID = c.PrimaryDeviceID()
		if deviceID == "" && c.lastVideo != nil {
			deviceID = c.lastVideo.DeviceID
		}
	}
	if deviceID == "" {
		return "", ErrNoDevice
	}

	// The previous stream stays recorded when its stop is not confirmed, so
	// two streams are never live at once.
	if err := c.stopStreamLocked(ctx); err != nil {
		return "", fmt.Errorf("replacing stream: %w", err)
	}

	s, err := c.cloud.StartLivestream(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("starting stream on %s: %w", deviceID, err)
	}
	c.setStream(s)
	c.armIdleLocked()
	c.logger.Info("stream started", "device_id", s.DeviceID, "stream_id", s.ID)
	return s.URL, nil
}

func (c *Coordinator) stopStreamLocked(ctx context.Context) error {
	s := c.activeStream()
	if s == nil {
		c.cancelIdleLocked()
		return nil
	}
	if err := c.cloud.StopLivestream(ctx, s.DeviceID, s.ID); err != nil {
		return fmt.Errorf("stopping stream %s: %w", s.ID, err)
	}
	c.setStream(nil)
	c.cancelIdleLocked()
	c.logger.Info("stream stopped", "device_id", s.DeviceID, "stream_id", s.ID)
	return nil
}

// armIdleLocked (re)starts the idle timer. Each arm gets a new sequence
// number so a timer that fired before being replaced is ignored.
func (c *Coordinator) armIdleLocked() {
	c.cancelIdleLocked()
	seq := c.idleSeq
	c.idle = time.AfterFunc(c.idleTimeout, func() { c.idleExpired(seq) })
}

func (c *Coordinator) cancelIdleLocked() {
	c.idleSeq++
	if c.idle != nil {
		c.idle.Stop()
		c.idle = nil
	}
}

func (c *Coordinator) idleExpired(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.idleSeq || c.activeStream() == nil {
		return
	}
	c.logger.Info("stopping idle stream", "idle_timeout", c.idleTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := c.stopStreamLocked(ctx); err != nil {
		c.logger.Warn("idle stop failed, retrying after timeout", "error", err)
		c.armIdleLocked()
	}
}
