package main

import (
	"context"
	"log"
	"time"

	"github.com/banshee-data/power.report/internal/db"
	"github.com/banshee-data/power.report/internal/meter"
	"github.com/banshee-data/power.report/internal/timeutil"
)

// readingSource is the part of the meter the recorder consumes.
type readingSource interface {
	Subscribe() (string, <-chan meter.Sample)
	Unsubscribe(id string)
}

// recordReadings stores every sample from src until ctx is done or the
// meter stops.
func recordReadings(ctx context.Context, src readingSource, store *db.DB) {
	id, c := src.Subscribe()
	defer src.Unsubscribe(id)
	for {
		select {
		case s, ok := <-c:
			if !ok {
				log.Printf("recorder routine terminated: meter stopped")
				return
			}
			if err := store.RecordReading(s.SessionID, s.Reading, s.At); err != nil {
				log.Printf("failed to record reading: %v", err)
			}
		case <-ctx.Done():
			log.Printf("recorder routine terminated")
			return
		}
	}
}

// pruneInterval is how often readings older than the retention window are
// deleted.
const pruneInterval = time.Hour

// pruneReadings deletes readings older than retention once per
// pruneInterval until ctx is done.
func pruneReadings(ctx context.Context, clock timeutil.Clock, store *db.DB, retention time.Duration) {
	ticker := clock.NewTicker(pruneInterval)
	defer ticker.Stop()

	prune := func() {
		n, err := store.PruneBefore(clock.Now().Add(-retention))
		if err != nil {
			log.Printf("failed to prune readings: %v", err)
			return
		}
		if n > 0 {
			log.Printf("pruned %d readings older than %v", n, retention)
		}
	}

	prune()
	for {
		select {
		case <-ticker.C():
			prune()
		case <-ctx.Done():
			return
		}
	}
}
