// Package capture implements the four protocol front-ends (spec.md §4.6-
// §4.8) and the shared ingestion pipeline that turns a parsed wire event
// into a logged interaction without ever blocking the socket that produced
// it.
//
// The pipeline shape — a caffix/queue-backed InputSource feeding a
// caffix/pipeline.Pipeline, with a background goroutine draining it into a
// sink — is carried over from the teacher's registry.BuildPipelines /
// buildAssetPipeline (registry/pipelines.go), generalized from the
// teacher's per-asset-type, priority-ordered handler stages down to this
// service's single append-and-publish stage: spec.md's log append has no
// competing handlers to prioritize, only a hard requirement that it never
// blocks the capture handler that just answered the wire.
package capture

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/caffix/pipeline"
	"github.com/caffix/queue"

	"github.com/requestrepo/engine/internal/interaction"
	"github.com/requestrepo/engine/internal/requestlog"
)

// Job is one interaction awaiting an asynchronous append to the request
// log. The wire response (if any) has already been sent by the time a Job
// is submitted.
type Job struct {
	Subdomain   string
	Interaction *interaction.Interaction
}

// jobElement adapts Job to pipeline.Data.
type jobElement struct {
	job Job
}

func (e *jobElement) Clone() pipeline.Data { return &jobElement{job: e.job} }

// jobQueue adapts a caffix/queue.Queue to pipeline.InputSource, the same
// pattern as the teacher's PipelineQueue.
type jobQueue struct {
	q queue.Queue
}

func newJobQueue() *jobQueue { return &jobQueue{q: queue.NewQueue()} }

func (jq *jobQueue) submit(j Job) { jq.q.Append(&jobElement{job: j}) }

func (jq *jobQueue) Next(ctx context.Context) bool {
	if jq.q.Len() > 0 {
		return true
	}
	for {
		select {
		case <-ctx.Done():
			return false
		case <-jq.q.Signal():
			if jq.q.Len() > 0 {
				return true
			}
		}
	}
}

func (jq *jobQueue) Data() pipeline.Data {
	if element, ok := jq.q.Next(); ok {
		return element.(*jobElement)
	}
	return nil
}

func (jq *jobQueue) Error() error { return nil }

// Ingest is the append-and-publish pipeline shared by every capture
// front-end. Submit never blocks on storage; failures are logged, matching
// spec.md §4.3's "a failed append ... is not retried" rule.
type Ingest struct {
	log   *slog.Logger
	queue *jobQueue
	pipe  *pipeline.Pipeline
}

// NewIngest builds and starts the pipeline. ExecuteBuffered runs with a
// buffer size of 50 (the teacher's buildAssetPipeline uses 50; capture
// traffic is bursty in the same way, so the same figure is kept). Submit
// appends to an unbounded queue, so that buffer never blocks Submit's
// caller.
func NewIngest(ctx context.Context, log *slog.Logger, reqlog *requestlog.Log) *Ingest {
	appendStage := pipeline.FIFO("append", appendTask(log, reqlog))

	in := &Ingest{
		log:   log,
		queue: newJobQueue(),
		pipe:  pipeline.NewPipeline(appendStage),
	}

	go func() {
		if err := in.pipe.ExecuteBuffered(ctx, in.queue, pipeline.SinkFunc(noopSink), 50); err != nil {
			log.Error("capture: ingestion pipeline terminated", "err", err)
		}
	}()

	return in
}

// Submit enqueues an interaction for asynchronous append. It is safe to
// call from any capture front-end goroutine and never blocks on storage.
func (in *Ingest) Submit(sub string, i *interaction.Interaction) {
	in.queue.submit(Job{Subdomain: sub, Interaction: i})
}

func noopSink(ctx context.Context, data pipeline.Data) error { return nil }

func appendTask(log *slog.Logger, reqlog *requestlog.Log) pipeline.TaskFunc {
	return pipeline.TaskFunc(func(ctx context.Context, data pipeline.Data, tp pipeline.TaskParams) (pipeline.Data, error) {
		je, ok := data.(*jobElement)
		if !ok || je == nil {
			return nil, fmt.Errorf("capture: ingestion task received unexpected data type")
		}

		if _, err := reqlog.Append(ctx, je.job.Subdomain, je.job.Interaction); err != nil {
			log.Error("capture: append failed", "subdomain", je.job.Subdomain, "err", err)
		}
		return data, nil
	})
}
