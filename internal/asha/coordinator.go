package asha

import (
	"context"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/asha-audio/asha/internal/logging"
	"github.com/asha-audio/asha/internal/utils"
)

// Coordinator is the process-wide singleton that owns map<hi_sync_id →
// Device> and serialises all mutations through a deferred task queue
// drained every 10ms, per spec.md §4.7: "OnAddDevice and OnRemoveDevice
// ... post tasks rather than mutating maps directly, so mutations are
// serialised and cannot race with in-flight GATT replies."
type Coordinator struct {
	mu      sync.Mutex
	devices map[uint64]*Device
	queue   []func()

	ticker *time.Ticker
	ctx    context.Context

	newEncoder NewEncoderFunc
	volume     int8
	tuning     LinkTuning
	log        *logging.Logger
}

// NewCoordinator builds a Coordinator with its task queue undrained
// until Run is called. tuning is the RawHci link-tuning configuration
// applied to every side this Coordinator admits.
func NewCoordinator(newEncoder NewEncoderFunc, volume int8, tuning LinkTuning, log *logging.Logger) *Coordinator {
	return &Coordinator{
		devices:    make(map[uint64]*Device),
		newEncoder: newEncoder,
		volume:     volume,
		tuning:     tuning,
		log:        log.WithComponent("coordinator"),
	}
}

// Run starts the 10ms task-queue timer. ctx is retained for tasks the
// Coordinator itself schedules later, such as restartAfterDisconnect
// (spec.md §8 scenario 7), since those run well after the call that
// triggered them. Stop releases the timer.
func (c *Coordinator) Run(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	t := utils.Every(10*time.Millisecond, c.drain)
	c.mu.Lock()
	c.ticker = t
	c.mu.Unlock()
}

// context returns the context passed to Run, or context.Background if
// Run has not been called yet.
func (c *Coordinator) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// Stop halts the task-queue timer. Outstanding devices are left intact;
// callers should Close each Side themselves during shutdown.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	t := c.ticker
	c.ticker = nil
	c.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (c *Coordinator) drain() {
	c.mu.Lock()
	tasks := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, task := range tasks {
		task()
	}
}

func (c *Coordinator) post(task func()) {
	c.mu.Lock()
	c.queue = append(c.queue, task)
	c.mu.Unlock()
}

// PeripheralInfo is what the Bluetooth enumerator supplies when a
// candidate peripheral appears or disappears (spec.md §4.6/§4.7).
type PeripheralInfo struct {
	Path       dbus.ObjectPath
	MAC        [6]byte
	Name       string
	Alias      string
	Properties ReadOnlyProperties
	Chars      Characteristics
}

// OnAddDevice posts a task that creates the owning Device if needed
// and calls AddSide on it (spec.md §4.7).
func (c *Coordinator) OnAddDevice(ctx context.Context, info PeripheralInfo) {
	c.post(func() {
		if !info.Properties.Valid() {
			c.log.Warn("rejecting peripheral failing feature check", map[string]interface{}{"path": string(info.Path)})
			return
		}

		c.mu.Lock()
		dev, ok := c.devices[info.Properties.HiSyncID]
		if !ok {
			dev = NewDevice(info.Properties.HiSyncID, c.newEncoder, c.volume, c.log)
			dev.Name = info.Name
			dev.Alias = info.Alias
			dev.SetDisconnectHandler(func(path dbus.ObjectPath) {
				c.post(func() {
					dev.restartAfterDisconnect(c.context(), path)
				})
			})
			c.devices[info.Properties.HiSyncID] = dev
		}
		c.mu.Unlock()

		side := NewSide(info.Path, info.MAC, info.Name, info.Alias, info.Properties, info.Chars, c.volume, c.tuning, c.log)
		dev.AddSide(ctx, info.Path, side)
	})
}

// OnRemoveDevice posts a task that removes the side at path from
// whichever Device owns it, dropping the Device entirely once its
// last side is gone (spec.md §3: "a Device exists while at least one
// Side with its hi_sync_id exists").
func (c *Coordinator) OnRemoveDevice(ctx context.Context, hiSyncID uint64, path dbus.ObjectPath) {
	c.post(func() {
		c.mu.Lock()
		dev, ok := c.devices[hiSyncID]
		c.mu.Unlock()
		if !ok {
			return
		}

		dev.RemoveSide(ctx, path)

		if dev.SideCount() == 0 {
			c.mu.Lock()
			delete(c.devices, hiSyncID)
			c.mu.Unlock()
		}
	})
}

// DeviceFor returns the Device owning hiSyncID, if any, without
// exposing the map itself. Safe to call from the audio thread; the PCM
// producer in cmd/ashad uses Devices instead.
func (c *Coordinator) DeviceFor(hiSyncID uint64) (*Device, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dev, ok := c.devices[hiSyncID]
	return dev, ok
}

// Devices returns a snapshot of all currently tracked devices.
func (c *Coordinator) Devices() []*Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Device, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	return out
}
