package ingester

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pattoo-project/pattood/pkg/records"
	"github.com/pattoo-project/pattood/pkg/store"
)

// task is one agent group plus the spool files that contributed to it.
type task struct {
	agentID string
	records []records.Record
	files   []string
}

// result carries a task's outcome back to the loop. A panic inside a
// worker arrives here as an error with its stack, never as a crashed
// process.
type result struct {
	agentID string
	files   []string
	rows    int
	err     error
}

// runWorkers fans tasks across the worker pool and collects every result.
func (ing *Ingester) runWorkers(ctx context.Context, tasks []task, pairs store.PairTable) []result {
	if len(tasks) == 0 {
		return nil
	}
	workers := ing.cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > len(tasks) {
		workers = len(tasks)
	}

	taskCh := make(chan task)
	resultCh := make(chan result, len(tasks))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Stagger entry so workers don't initialize their database
			// sessions in one burst.
			time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
			for t := range taskCh {
				resultCh <- ing.runTask(ctx, t, pairs)
			}
		}()
	}

	for _, t := range tasks {
		taskCh <- t
	}
	close(taskCh)
	wg.Wait()
	close(resultCh)

	results := make([]result, 0, len(tasks))
	for res := range resultCh {
		results = append(results, res)
	}
	return results
}

// runTask processes one agent group: dimension resolution, then the data
// write.
func (ing *Ingester) runTask(ctx context.Context, t task, pairs store.PairTable) (res result) {
	res = result{agentID: t.agentID, files: t.files}
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("worker panic: %v\n%s", r, debug.Stack())
		}
	}()
	res.rows, res.err = ing.proc.ProcessGroup(ctx, t.agentID, t.records, pairs)
	return res
}
