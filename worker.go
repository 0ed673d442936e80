package leadflow

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
)

// SweepWorker runs the timeout sweeper on a fixed interval.
type SweepWorker struct {
	sweeper  *Sweeper
	workerID string
	interval time.Duration
	stopCh   chan struct{}
}

func NewSweepWorker(sweeper *Sweeper, interval time.Duration) *SweepWorker {
	return &SweepWorker{
		sweeper:  sweeper,
		workerID: uuid.New().String(),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

func (w *SweepWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	log.Printf("Sweep worker %s started", w.workerID)

	for {
		select {
		case <-ctx.Done():
			log.Printf("Sweep worker %s stopping: context cancelled", w.workerID)

			return
		case <-w.stopCh:
			log.Printf("Sweep worker %s stopping: stop signal received", w.workerID)

			return
		case <-ticker.C:
			stats, err := w.sweeper.SweepOnce(ctx)
			if err != nil {
				log.Printf("Sweep worker %s error: %v", w.workerID, err)

				continue
			}

			if stats.Reminded > 0 || stats.Exhausted > 0 || stats.Errors > 0 {
				log.Printf("Sweep worker %s: scanned=%d reminded=%d exhausted=%d errors=%d",
					w.workerID, stats.Scanned, stats.Reminded, stats.Exhausted, stats.Errors)
			}
		}
	}
}

func (w *SweepWorker) Stop() {
	close(w.stopCh)
}
