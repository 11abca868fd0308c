package main

import (
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"umadb"
)

// Maintainer runs a cron-scheduled sweep that logs reclaim metrics and,
// when configured, advances the oldest-live-reader watermark so the next
// commit can reclaim more of the free list (§9 OQ1 — the core
// deliberately leaves this policy to its operator).
type Maintainer struct {
	db        *umadb.Db
	cron      *cron.Cron
	lagWindow uint64
}

// NewMaintainer builds a Maintainer from cfg, matching the teacher's
// scheduler construction (UTC location, seconds-precision cron parser).
func NewMaintainer(db *umadb.Db, cfg *Config) (*Maintainer, error) {
	loc, _ := time.LoadLocation("UTC")
	m := &Maintainer{
		db:        db,
		cron:      cron.New(cron.WithLocation(loc), cron.WithSeconds()),
		lagWindow: cfg.ReaderLagWindow,
	}
	if _, err := m.cron.AddFunc(cfg.MaintenanceSchedule, m.sweep); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins the scheduler loop; it does not block.
func (m *Maintainer) Start() {
	m.cron.Start()
	log.Printf("maintenance sweep scheduled")
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (m *Maintainer) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

func (m *Maintainer) sweep() {
	stats := m.db.Stats()
	lag := uint64(0)
	if stats.Tsn > stats.OldestLiveReader {
		lag = uint64(stats.Tsn - stats.OldestLiveReader)
	}
	log.Printf("maintenance sweep: tsn=%d oldest_live_reader=%d lag=%d next_page_id=%d",
		stats.Tsn, stats.OldestLiveReader, lag, stats.NextPageID)

	if m.lagWindow == 0 || lag <= m.lagWindow {
		return
	}
	newWatermark := stats.Tsn - umadb.Tsn(m.lagWindow)
	m.db.SetOldestLiveReaderTsn(newWatermark)
	log.Printf("maintenance sweep: advanced oldest_live_reader to %d", newWatermark)
}
