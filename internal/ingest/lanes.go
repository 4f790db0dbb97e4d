package ingest

import (
	"context"
	"hash/fnv"

	"golang.org/x/sync/errgroup"
)

type laneJob func()

// Lanes serializes work per device: every job for a device id lands on the
// same lane, and each lane runs its jobs one at a time in submit order.
type Lanes struct {
	lanes []chan laneJob
}

func NewLanes(count, queueSize int) *Lanes {
	if count < 1 {
		count = 1
	}
	l := &Lanes{lanes: make([]chan laneJob, count)}
	for i := range l.lanes {
		l.lanes[i] = make(chan laneJob, queueSize)
	}
	return l
}

func (l *Lanes) laneFor(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(l.lanes)))
}

// Submit queues job on the device's lane, blocking while the lane is full.
// It gives up when ctx is done.
func (l *Lanes) Submit(ctx context.Context, deviceID string, job func()) error {
	select {
	case l.lanes[l.laneFor(deviceID)] <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run works every lane until ctx is done. Jobs still queued at that point
// are run before Run returns so their waiters are released.
func (l *Lanes) Run(ctx context.Context) error {
	g := new(errgroup.Group)
	for _, ch := range l.lanes {
		g.Go(func() error {
			for {
				select {
				case job := <-ch:
					job()
				case <-ctx.Done():
					for {
						select {
						case job := <-ch:
							job()
						default:
							return nil
						}
					}
				}
			}
		})
	}
	return g.Wait()
}
