// Package ingester drains the spool into the database: a lockfile-guarded
// batch loop that reads aged spool files, groups their records by agent,
// fans the groups across a worker pool, and deletes each file only once
// everything it contributed has landed. The spool itself is the retry
// queue: on any recoverable failure the file simply stays put.
package ingester

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/pattoo-project/pattood/pkg/records"
	"github.com/pattoo-project/pattood/pkg/spool"
	"github.com/pattoo-project/pattood/pkg/store"
)

// Processor is the database side of the pipeline. store.DB implements it;
// tests substitute a mock.
type Processor interface {
	// PreparePairs materializes the union of (key, value) pairs for an
	// iteration before workers start.
	PreparePairs(ctx context.Context, pairs []records.Pair) (store.PairTable, error)

	// ProcessGroup resolves dimensions and writes data for one agent's
	// record list. Returns the number of fact rows submitted.
	ProcessGroup(ctx context.Context, agentID string, recs []records.Record, pairs store.PairTable) (int, error)
}

// DefaultFileAge is the starting minimum spool-file age. Files younger than
// the threshold may still be mid-write by a receiver handler.
const DefaultFileAge = 10 * time.Second

// Config tunes one ingest session.
type Config struct {
	// BatchSize caps spool files per iteration.
	BatchSize int

	// MaxDuration is the session's soft deadline; an in-flight iteration
	// may overrun it by one batch.
	MaxDuration time.Duration

	// Workers sizes the pool; <= 0 means one per CPU.
	Workers int

	// FileAgeBase is the floor of the adaptive age threshold.
	FileAgeBase time.Duration
}

// Stats summarizes a session.
type Stats struct {
	FilesFound   int
	FilesRead    int
	FilesDeleted int
	Records      int
}

// Ingester runs drain sessions over one spool.
type Ingester struct {
	spool *spool.Spool
	proc  Processor
	cfg   Config
	log   *zap.SugaredLogger
}

// New creates an ingester. Zero config fields get their defaults.
func New(sp *spool.Spool, proc Processor, cfg Config, log *zap.SugaredLogger) *Ingester {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = time.Hour
	}
	if cfg.FileAgeBase <= 0 {
		cfg.FileAgeBase = DefaultFileAge
	}
	return &Ingester{spool: sp, proc: proc, cfg: cfg, log: log}
}

// Run executes one session: iterate over aged spool batches until the
// session deadline passes, every file found at the start has been read, or
// no unattempted file remains. Each file is attempted at most once per
// session; a retained file waits for the next session rather than occupying
// a batch slot again and starving the files queued behind it. The age
// threshold grows with loop duration so a slow loop doesn't chase files
// that were written after it started.
func (ing *Ingester) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	fileAge := ing.cfg.FileAgeBase
	start := time.Now()
	attempted := make(map[string]struct{})

	found, err := ing.spool.Count(fileAge)
	if err != nil {
		return stats, err
	}
	stats.FilesFound = found
	if found == 0 {
		ing.log.Infow("Spool is empty, nothing to ingest", "directory", ing.spool.Dir())
		return stats, nil
	}
	ing.log.Infow("Starting ingest session",
		"files_found", found, "batch_size", ing.cfg.BatchSize, "max_duration", ing.cfg.MaxDuration)

	for {
		if ctx.Err() != nil {
			ing.log.Infow("Session cancelled", "files_read", stats.FilesRead)
			break
		}
		if elapsed := time.Since(start); elapsed > ing.cfg.MaxDuration {
			ing.log.Infow("Session deadline reached", "elapsed", elapsed, "files_read", stats.FilesRead)
			break
		}

		loopStart := time.Now()
		names, err := ing.spool.List(fileAge, 0)
		if err != nil {
			return stats, err
		}
		batch := make([]string, 0, ing.cfg.BatchSize)
		for _, name := range names {
			if _, done := attempted[name]; done {
				continue
			}
			batch = append(batch, name)
			if len(batch) == ing.cfg.BatchSize {
				break
			}
		}
		if len(batch) == 0 {
			break
		}
		for _, name := range batch {
			attempted[name] = struct{}{}
		}

		ing.processBatch(ctx, batch, &stats)
		stats.FilesRead += len(batch)

		loopDuration := time.Since(loopStart)
		if next := 2*loopDuration + ing.cfg.FileAgeBase; next > fileAge {
			fileAge = next
		}
		if stats.FilesRead >= found {
			break
		}
	}

	ing.log.Infow("Ingest session complete",
		"files_read", stats.FilesRead, "files_deleted", stats.FilesDeleted,
		"records", stats.Records, "duration", time.Since(start))
	return stats, nil
}

// processBatch drives one iteration of the spool-file state machine:
// read, parse, resolve dimensions, write data, delete. Invalid files are
// retained for human inspection; files whose processing failed are retained
// for the next loop.
func (ing *Ingester) processBatch(ctx context.Context, files []string, stats *Stats) {
	type group struct {
		records []records.Record
		files   map[string]struct{}
	}
	groups := make(map[string]*group)
	parsed := make(map[string]bool, len(files))

	for _, name := range files {
		body, err := ing.spool.Read(name)
		if err != nil {
			ing.log.Warnw("Cannot read spool file", "file", name, "error", err)
			continue
		}
		var payload records.Payload
		if err := json.Unmarshal(body, &payload); err != nil {
			ing.log.Warnw("Invalid spool file retained for inspection", "file", name, "error", err)
			continue
		}
		recs, errs := records.Decompose(&payload)
		for _, derr := range errs {
			ing.log.Warnw("Skipping malformed record", "file", name, "error", derr)
		}
		if len(recs) == 0 && len(errs) > 0 {
			ing.log.Warnw("Spool file yielded no records, retained for inspection", "file", name)
			continue
		}
		parsed[name] = true
		for agentID, rs := range records.GroupByAgent(recs) {
			g := groups[agentID]
			if g == nil {
				g = &group{files: make(map[string]struct{})}
				groups[agentID] = g
			}
			g.records = append(g.records, rs...)
			g.files[name] = struct{}{}
		}
	}

	// Phase one: materialize the union of key pairs across every group so
	// the workers never collide on the same pair insert.
	var union []records.Pair
	for _, g := range groups {
		for i := range g.records {
			union = append(union, g.records[i].KeyPairs()...)
		}
	}
	pairs, err := ing.proc.PreparePairs(ctx, union)
	if err != nil {
		ing.log.Warnw("Pair pre-pass failed, batch retried next loop", "error", err)
		return
	}

	// Phase two: fan the agent groups across the pool.
	agentIDs := make([]string, 0, len(groups))
	for agentID := range groups {
		agentIDs = append(agentIDs, agentID)
	}
	sort.Strings(agentIDs)

	tasks := make([]task, 0, len(agentIDs))
	for _, agentID := range agentIDs {
		g := groups[agentID]
		fileNames := make([]string, 0, len(g.files))
		for name := range g.files {
			fileNames = append(fileNames, name)
		}
		tasks = append(tasks, task{agentID: agentID, records: g.records, files: fileNames})
	}

	failed := make(map[string]bool)
	for _, res := range ing.runWorkers(ctx, tasks, pairs) {
		if res.err != nil {
			ing.log.Errorw("Worker failed, files retained for next loop",
				"agent_id", res.agentID, "files", res.files, "error", res.err)
			for _, name := range res.files {
				failed[name] = true
			}
			continue
		}
		stats.Records += res.rows
	}

	// Delete only files whose every contribution landed.
	for _, name := range files {
		if !parsed[name] || failed[name] {
			continue
		}
		if err := ing.spool.Remove(name); err != nil {
			ing.log.Warnw("Cannot delete processed spool file", "file", name, "error", err)
			continue
		}
		stats.FilesDeleted++
	}
}
