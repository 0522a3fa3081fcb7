// Package aggregate fans out health probes across the full service
// directory and merges the results into a single overview.
package aggregate

import (
	"context"
	"time"

	"github.com/dskow/ops-gateway/internal/directory"
	"github.com/dskow/ops-gateway/internal/probe"
)

const (
	// OverallHealthy means every probed service reported healthy.
	OverallHealthy = "healthy"
	// OverallDegraded means at least one service did not.
	OverallDegraded = "degraded"
)

// Overview is the merged result of one aggregation pass.
type Overview struct {
	OverallStatus     string               `json:"overall_status"`
	Services          []probe.HealthRecord `json:"services"`
	Timestamp         time.Time            `json:"timestamp"`
	TotalServices     int                  `json:"total_services"`
	HealthyServices   int                  `json:"healthy_services"`
	UnhealthyServices int                  `json:"unhealthy_services"`
}

// Aggregator probes every directory entry concurrently.
type Aggregator struct {
	dir      *directory.Directory
	prober   *probe.Prober
	deadline time.Duration
}

// New creates an Aggregator. deadline bounds one whole aggregation pass;
// probes still pending when it fires are reported as unhealthy.
func New(dir *directory.Directory, prober *probe.Prober, deadline time.Duration) *Aggregator {
	return &Aggregator{dir: dir, prober: prober, deadline: deadline}
}

// Overview takes one directory snapshot, launches one probe per entry, and
// waits for all of them. A slow downstream never blocks faster siblings from
// finishing, and there is no partial response: the pass returns only once
// every probe has settled or the aggregate deadline has fired.
func (a *Aggregator) Overview(ctx context.Context) Overview {
	snapshot := a.dir.Snapshot()

	ctx, cancel := context.WithTimeout(ctx, a.deadline)
	defer cancel()

	type indexed struct {
		i   int
		rec probe.HealthRecord
	}

	ch := make(chan indexed, len(snapshot))
	for i, ep := range snapshot {
		go func(i int, ep directory.ServiceEndpoint) {
			ch <- indexed{i: i, rec: a.prober.Probe(ctx, ep)}
		}(i, ep)
	}

	// Collect in snapshot order. The per-probe timeout plus the aggregate
	// deadline guarantee every goroutine sends within bounded time; the
	// buffered channel means none of them block if we bail out early.
	records := make([]probe.HealthRecord, len(snapshot))
	settled := make([]bool, len(snapshot))
	received := 0

collect:
	for received < len(snapshot) {
		select {
		case res := <-ch:
			records[res.i] = res.rec
			settled[res.i] = true
			received++
		case <-ctx.Done():
			break collect
		}
	}

	// Any probe that had not settled at the deadline is reported unhealthy.
	now := time.Now().UTC()
	for i, ok := range settled {
		if !ok {
			records[i] = probe.HealthRecord{
				Service:   snapshot[i].Name,
				Status:    probe.StatusUnhealthy,
				Timestamp: now,
				Error:     "aggregate deadline exceeded",
			}
		}
	}

	healthy := 0
	for _, rec := range records {
		if rec.Status == probe.StatusHealthy {
			healthy++
		}
	}

	overall := OverallHealthy
	if healthy != len(records) {
		overall = OverallDegraded
	}

	return Overview{
		OverallStatus:     overall,
		Services:          records,
		Timestamp:         now,
		TotalServices:     len(records),
		HealthyServices:   healthy,
		UnhealthyServices: len(records) - healthy,
	}
}
