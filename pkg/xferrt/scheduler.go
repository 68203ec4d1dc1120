package xferrt

import (
	"time"

	"github.com/neurogrid/gpuxfer/pkg/xfer"
)

// Drainer fires any completion fences the driver has queued; the mock
// driver in gpu/bindings implements this.
type Drainer interface {
	Drain()
}

// Scheduler is a minimal single-goroutine cooperative scheduler standing
// in for "the surrounding dataflow runtime" of spec.md §1: it repeatedly dispatches
// every registered channel under a time-sliced deadline and drains the
// driver's completion queue between rounds, until nothing has more work.
type Scheduler struct {
	channels []*xfer.Channel
	slice    time.Duration
}

// NewScheduler builds a scheduler that gives each channel up to slice of
// wall-clock time per dispatch round.
func NewScheduler(slice time.Duration) *Scheduler {
	return &Scheduler{slice: slice}
}

// Register adds a channel to the poll set.
func (s *Scheduler) Register(ch *xfer.Channel) {
	s.channels = append(s.channels, ch)
}

// RunUntilIdle dispatches every registered channel, drains the driver,
// and repeats until a full round produces no work.
func (s *Scheduler) RunUntilIdle(drain Drainer) error {
	for {
		anyWork := false
		for _, ch := range s.channels {
			did, err := ch.Dispatch(xfer.NewDeadline(s.slice))
			if err != nil {
				return err
			}
			if did {
				anyWork = true
			}
		}
		if drain != nil {
			drain.Drain()
		}
		if !anyWork {
			return nil
		}
	}
}
