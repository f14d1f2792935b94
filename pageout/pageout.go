// Package pageout implements component I: the background reclaim
// daemon that cleans dirty shared pages and evicts LRU frames when
// free pages fall below a threshold (spec §4.I).
package pageout

import (
	"context"
	"log"
	"time"

	"github.com/coreos/go-systemd/daemon"

	"vmkernel/config"
	"vmkernel/pcache"
)

// / Watermarks configures the low (wake) and target (stop) free-frame
// / thresholds, defaults low ~6.25%, target ~12.5% of total usable
// / frames (spec §4.D).
type Watermarks struct {
	Low    int
	Target int
}

// / DefaultWatermarks derives the spec's default fractions from a
// / total frame count, using config.Default()'s watermark fractions.
func DefaultWatermarks(total int) Watermarks {
	return WatermarksFromConfig(total, config.Default())
}

// / WatermarksFromConfig derives watermarks from total using cfg's
// / fractions, so a caller sizing a shrunken test pool can shrink the
// / watermarks along with it.
func WatermarksFromConfig(total int, cfg config.Config) Watermarks {
	return Watermarks{
		Low:    int(float64(total) * cfg.LowWatermarkFraction),
		Target: int(float64(total) * cfg.TargetWatermarkFraction),
	}
}

// / Daemon is the single pageout kernel task. It sleeps on a wake
// / channel that only an explicit Wake call signals, and otherwise
// / re-checks the free count once per idle poll interval; neither the
// / page allocator nor the cache's miss path calls Wake.
type Daemon struct {
	cache *pcache.Cache
	wm    Watermarks
	wake  chan struct{}

	sdNotify bool // announce WATCHDOG=1 to systemd once per sweep, if supervised
}

// / New constructs a pageout daemon over cache with the given
// / watermarks.
func New(cache *pcache.Cache, wm Watermarks) *Daemon {
	return &Daemon{cache: cache, wm: wm, wake: make(chan struct{}, 1), sdNotify: true}
}

// / Wake edge-triggers the daemon; it is safe to call from any
// / goroutine, including concurrently with Run.
func (d *Daemon) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// / Run drives the daemon loop until ctx is cancelled, per spec §4.I:
// / evict/clean until the target watermark is met, broadcast
// / "memory available", then sleep for the next wakeup. Cancellable:
// / on ctx.Done it exits cleanly instead of aborting mid-sweep (the
// / current sweep is allowed to finish to avoid leaving a frame
// / half-cleaned).
func (d *Daemon) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
			d.sweep()
		case <-time.After(time.Second):
			// idle poll: catches watermark crossings that happened
			// without an explicit Wake (e.g. a test harness driving
			// the allocator directly).
			if d.cache.Allocator().FreeCount() <= d.wm.Low {
				d.sweep()
			}
		}
	}
}

func (d *Daemon) sweep() {
	alloc := d.cache.Allocator()
	for alloc.FreeCount() < d.wm.Target {
		f := d.cache.EvictHead()
		if f == nil {
			break
		}
		if f.Busy() {
			// another thread is filling/cleaning this exact frame;
			// wait for its busy flag to clear rather than spin, then
			// reconsider the (possibly different) head.
			d.cache.WaitForBusyClear()
			continue
		}
		if f.Dirty() {
			if err := d.cache.Clean(f); err != 0 {
				log.Printf("pageout: clean failed for frame %v: %v", f.Addr, err)
				// spec §7: the daemon logs and skips frames whose
				// cleaning fails; it does not abort the sweep.
				continue
			}
			continue
		}
		d.cache.Free(f)
	}
	d.cache.NotifyReclaimed()
	if d.sdNotify {
		daemon.SdNotify(false, "WATCHDOG=1")
	}
}
