package dispatch

import (
	"context"

	"github.com/hiveplan/hive/internal/outcome"
	"github.com/hiveplan/hive/internal/persistence"
	"github.com/hiveplan/hive/internal/task"
)

type pendingReport struct {
	report     task.Report
	responseCh chan reportResult
}

type reportResult struct {
	res *persistence.ApplyResult
	err error
}

// ReportQueue serializes worker outcome reports into the synchronizer.
// Workers submit without blocking each other; the handler goroutine applies
// reports one at a time and frees the worker's slot as each lease settles.
type ReportQueue struct {
	reportCh chan pendingReport
	sync     *outcome.Synchronizer
	registry *Registry
	done     chan struct{}
}

// NewReportQueue creates a report queue. bufferSize should be at least the
// total slot count across workers so submission never blocks the workers.
func NewReportQueue(bufferSize int, sync *outcome.Synchronizer, registry *Registry) *ReportQueue {
	return &ReportQueue{
		reportCh: make(chan pendingReport, bufferSize),
		sync:     sync,
		registry: registry,
		done:     make(chan struct{}),
	}
}

// Start launches the report handler goroutine. It processes reports until
// the context is cancelled.
func (q *ReportQueue) Start(ctx context.Context) {
	go q.handleReports(ctx)
}

func (q *ReportQueue) handleReports(ctx context.Context) {
	defer close(q.done)

	for {
		select {
		case <-ctx.Done():
			return
		case pending := <-q.reportCh:
			res, err := q.sync.Apply(ctx, pending.report)
			if err == nil && q.registry != nil {
				q.registry.Release(pending.report.WorkerID, pending.report.TaskID)
			}

			select {
			case <-ctx.Done():
				pending.responseCh <- reportResult{err: ctx.Err()}
				return
			default:
				pending.responseCh <- reportResult{res: res, err: err}
			}
		}
	}
}

// Submit queues a report and waits for the synchronizer's verdict. It
// respects context cancellation at both the send and receive stages.
func (q *ReportQueue) Submit(ctx context.Context, rep task.Report) (*persistence.ApplyResult, error) {
	responseCh := make(chan reportResult, 1)

	select {
	case q.reportCh <- pendingReport{report: rep, responseCh: responseCh}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case result := <-responseCh:
		return result.res, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop waits for the drain goroutine to exit. Call after cancelling
// the Start context.
func (q *ReportQueue) Stop() {
	<-q.done
}
