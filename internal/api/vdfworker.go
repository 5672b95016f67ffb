package api

import (
	"context"
)

// vdfJob is one pending VDF-append for an accepted event, queued when
// policy.vdf.response_awaits_vdf is false so the ingest response doesn't
// wait on the chain's single append mutex.
type vdfJob struct {
	eventID   string
	readerID  string
	timestamp int64
}

// StartVDFWorkers launches policy.vdf.workers goroutines draining the
// bounded vdf append queue (capacity policy.vdf.queue_capacity), run until
// ctx is cancelled. Each job's append and anchor-enqueue happen under the
// chain's own mutex (vdf.Chain.Append) and the anchor queue's own lock
// (anchor.Queue.Enqueue), so workers need no additional synchronization
// between themselves.
func (s *Server) StartVDFWorkers(ctx context.Context) {
	pol := s.policy.Get().VDF
	workers := pol.Workers
	if workers < 1 {
		workers = 1
	}
	capacity := pol.QueueCapacity
	if capacity < 1 {
		capacity = 1
	}
	s.vdfJobs = make(chan vdfJob, capacity)

	for i := 0; i < workers; i++ {
		go s.runVDFWorker(ctx)
	}
}

func (s *Server) runVDFWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.vdfJobs:
			s.appendVDFLink(job.eventID, job.readerID, job.timestamp)
		}
	}
}

// enqueueVDFAppend queues job for a worker to append, blocking the calling
// (already-async) goroutine rather than dropping it if the queue is full —
// every accepted DecisionRecord must eventually produce exactly one VdfLink
// (spec §5). If no worker pool was started (e.g. in tests that build a
// Server without calling StartVDFWorkers), it appends inline instead.
func (s *Server) enqueueVDFAppend(eventID, readerID string, timestamp int64) {
	if s.vdfJobs == nil {
		s.appendVDFLink(eventID, readerID, timestamp)
		return
	}
	s.vdfJobs <- vdfJob{eventID: eventID, readerID: readerID, timestamp: timestamp}
}

// appendVDFLink appends one link to the chain and enqueues it for
// blockchain anchoring.
func (s *Server) appendVDFLink(eventID, readerID string, timestamp int64) uint64 {
	link := s.chain.Append(s.policy.Get().VDF.GenesisSeed, eventID, readerID, timestamp)
	s.anchors.Enqueue(link)
	return link.Seq
}
