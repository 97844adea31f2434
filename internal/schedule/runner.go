// runner.go is the schedule timer loop: one goroutine that sleeps until the
// next window boundary and publishes the corresponding bus event.
package schedule

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"weatheredge/internal/bus"
	"weatheredge/pkg/types"
)

// staleSlack bounds how late an emission may fire. Boundaries that slipped
// further into the past (process pause, clock step) are dropped, not
// replayed.
const staleSlack = 2 * time.Second

// emission is one scheduled bus publication.
type emission struct {
	at     time.Time
	tag    string // TagDetectionWindowOpen or TagFallbackWindowOpen
	window types.DetectionWindow
}

// Runner drives the Manager's calendar onto the bus.
type Runner struct {
	mgr    *Manager
	bus    *bus.Bus
	logger *slog.Logger

	lastFired time.Time
}

// NewRunner creates the timer loop around a Manager.
func NewRunner(mgr *Manager, b *bus.Bus, logger *slog.Logger) *Runner {
	return &Runner{
		mgr:    mgr,
		bus:    b,
		logger: logger.With("component", "schedule"),
	}
}

// Run blocks until ctx is cancelled, emitting detection-window-open at each
// cycle's earliestPoll and fallback-window-open at each fallbackStart.
func (r *Runner) Run(ctx context.Context) {
	r.lastFired = time.Now()

	for {
		batch := r.nextEmissions(r.lastFired)
		if len(batch) == 0 {
			return
		}

		wait := time.Until(batch[0].at)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		if ctx.Err() != nil {
			return
		}

		now := time.Now()
		for _, em := range batch {
			if now.Sub(em.at) > staleSlack {
				r.logger.Debug("skipping stale window boundary",
					"cycle", em.window.Cycle.String(), "tag", em.tag, "late", now.Sub(em.at))
				continue
			}
			r.bus.Publish(em.tag, bus.WindowOpenEvent{Window: em.window})
			r.logger.Info("window boundary",
				"tag", em.tag, "cycle", em.window.Cycle.String())
		}
		r.lastFired = batch[0].at
	}
}

// nextEmissions finds the earliest boundary strictly after `after` and
// returns every emission landing in that same second, ordered detection
// before fallback and models by detection priority (HRRR, RAP, ECMWF, GFS).
func (r *Runner) nextEmissions(after time.Time) []emission {
	var candidates []emission
	for _, model := range types.AllModels {
		// Look at the cycle whose window could open next. Windows open
		// before the cycle's nominal start minus delay, so walk back far
		// enough to catch a window that opens after `after` for a cycle
		// already counting down.
		cycle := nextCycle(model, after.Add(-24*time.Hour))
		for i := 0; i < 48; i++ {
			w := r.mgr.DetectionWindow(cycle)
			if w.EarliestPoll.After(after) {
				candidates = append(candidates, emission{at: w.EarliestPoll, tag: bus.TagDetectionWindowOpen, window: w})
			}
			if w.FallbackStart.After(after) {
				candidates = append(candidates, emission{at: w.FallbackStart, tag: bus.TagFallbackWindowOpen, window: w})
			}
			if w.EarliestPoll.After(after.Add(26 * time.Hour)) {
				break
			}
			cycle = advance(cycle)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ti, tj := candidates[i].at.Truncate(time.Second), candidates[j].at.Truncate(time.Second)
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if candidates[i].tag != candidates[j].tag {
			return candidates[i].tag == bus.TagDetectionWindowOpen
		}
		return modelPriority(candidates[i].window.Cycle.Model) < modelPriority(candidates[j].window.Cycle.Model)
	})

	first := candidates[0].at.Truncate(time.Second)
	batch := candidates[:0:0]
	for _, c := range candidates {
		if c.at.Truncate(time.Second).Equal(first) {
			batch = append(batch, c)
		}
	}
	return batch
}
