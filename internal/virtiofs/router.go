package virtiofs

import (
	"go.uber.org/atomic"
)

// router picks the queue for each request.
type router struct {
	hiprio *queue
	reqs   []*queue
	policy RoutePolicy
	next   atomic.Uint32
}

func (r *router) route(req *Request) *queue {
	if req.HighPriority {
		return r.hiprio
	}
	if len(r.reqs) == 1 {
		return r.reqs[0]
	}
	switch r.policy {
	case RouteLeastLoaded:
		best := r.reqs[0]
		bestLoad := best.inFlight.Load()
		for _, q := range r.reqs[1:] {
			if load := q.inFlight.Load(); load < bestLoad {
				best, bestLoad = q, load
			}
		}
		return best
	default:
		n := r.next.Inc() - 1
		return r.reqs[int(n%uint32(len(r.reqs)))]
	}
}
