package mcts

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// releaseRequest asks the worker to unlink the subtree at node, leaving the
// subtree at protect intact.
type releaseRequest struct {
	node    *Node
	protect *Node
}

// NodeReleaseService reclaims pruned subtrees on a background goroutine so
// the unlinking cost stays off the state-change critical path. One service
// runs per process.
type NodeReleaseService struct {
	ch           chan releaseRequest
	done         chan struct{}
	releaseCount atomic.Int64
	pending      atomic.Int64
}

var (
	releaseServiceOnce sync.Once
	releaseService     *NodeReleaseService
)

// sharedReleaseService returns the process-wide service, starting its
// worker on first use.
func sharedReleaseService() *NodeReleaseService {
	releaseServiceOnce.Do(func() {
		releaseService = &NodeReleaseService{
			ch:   make(chan releaseRequest, 64),
			done: make(chan struct{}),
		}
		go releaseService.loop()
	})
	return releaseService
}

func (s *NodeReleaseService) loop() {
	for req := range s.ch {
		req.node.release(req.protect)
		s.releaseCount.Add(1)
		s.pending.Add(-1)
	}
	close(s.done)
}

// Release enqueues the subtree at node for reclamation, protecting the
// subtree at protect (nil to release everything).
func (s *NodeReleaseService) Release(node, protect *Node) {
	if node == nil {
		return
	}
	s.pending.Add(1)
	s.ch <- releaseRequest{node: node, protect: protect}
}

// Drain blocks until all enqueued work has been processed. Intended for
// tests and shutdown paths.
func (s *NodeReleaseService) Drain() {
	for s.pending.Load() > 0 {
		// Release units are short; yield until the worker drains them.
		select {
		case <-s.done:
			return
		default:
			runtime.Gosched()
		}
	}
}

// ReleaseCount returns the number of completed release units.
func (s *NodeReleaseService) ReleaseCount() int64 {
	return s.releaseCount.Load()
}
