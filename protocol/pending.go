package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// KeyPolicy decides what Send does when a request for the same reply opcode
// is already outstanding. V-Sido frames carry no sequence number, so two
// requests on one key could not be told apart on the reply path.
//
// For the same reason a reply that arrives after its request timed out is
// taken as the answer to the next request on that key.
type KeyPolicy int

const (
	// KeyQueue makes later requests wait, in arrival order, until the ones
	// ahead of them finish
	KeyQueue KeyPolicy = iota
	// KeyFailFast rejects the second request with ErrBusy
	KeyFailFast
)

func (p KeyPolicy) String() string {
	switch p {
	case KeyQueue:
		return "queue"
	case KeyFailFast:
		return "fail-fast"
	default:
		return fmt.Sprintf("KeyPolicy(%d)", int(p))
	}
}

// ParseKeyPolicy parses the names produced by KeyPolicy.String
func ParseKeyPolicy(s string) (KeyPolicy, error) {
	switch s {
	case "", "queue":
		return KeyQueue, nil
	case "fail-fast", "failfast":
		return KeyFailFast, nil
	default:
		return KeyQueue, fmt.Errorf("unknown key policy %q", s)
	}
}

type result struct {
	frame Frame
	err   error
}

// pendingRequest is one caller waiting for a reply
type pendingRequest struct {
	key      byte // reply opcode the request is matched on
	op       byte // opcode of the request itself
	timeout  time.Duration
	deadline time.Time

	result chan result // buffered, receives exactly one value
}

// queuedRequest is a caller waiting for its key to become free. It is
// promoted by the set, which fills req or err and then closes ready.
type queuedRequest struct {
	op       byte
	timeout  time.Duration
	deadline time.Time

	req   *pendingRequest
	err   error
	ready chan struct{}
}

// pendingSet is the set of outstanding requests of one connection.
// Every state change happens under mu, and a request leaves the map exactly
// once: whoever removes it delivers its result. A key freed by a finished
// request goes to the head of that key's queue.
type pendingSet struct {
	mu       sync.Mutex
	items    map[byte]*pendingRequest
	queues   map[byte][]*queuedRequest
	closed   bool
	closeErr error
}

func newPendingSet() *pendingSet {
	return &pendingSet{
		items:  make(map[byte]*pendingRequest),
		queues: make(map[byte][]*queuedRequest),
	}
}

// activateLocked installs a request as the outstanding one for key
func (s *pendingSet) activateLocked(key, op byte, timeout time.Duration, deadline time.Time) *pendingRequest {
	req := &pendingRequest{
		key:      key,
		op:       op,
		timeout:  timeout,
		deadline: deadline,
		result:   make(chan result, 1),
	}
	s.items[key] = req
	pendingRequests.Inc()
	return req
}

// releaseLocked frees key and hands it to the oldest queued caller
func (s *pendingSet) releaseLocked(key byte) {
	delete(s.items, key)
	pendingRequests.Dec()

	queue := s.queues[key]
	if len(queue) == 0 {
		return
	}
	next := queue[0]
	queue[0] = nil
	if len(queue) == 1 {
		delete(s.queues, key)
	} else {
		s.queues[key] = queue[1:]
	}
	next.req = s.activateLocked(key, next.op, next.timeout, next.deadline)
	close(next.ready)
}

func (s *pendingSet) dequeueLocked(key byte, q *queuedRequest) {
	queue := s.queues[key]
	for i, w := range queue {
		if w == q {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(queue) == 0 {
		delete(s.queues, key)
	} else {
		s.queues[key] = queue
	}
}

// register adds a request for key, honoring policy when the key is taken.
// Queued callers get the key in arrival order; their wait is bounded by
// deadline and ctx.
func (s *pendingSet) register(ctx context.Context, key, op byte, timeout time.Duration, deadline time.Time, policy KeyPolicy) (*pendingRequest, error) {
	s.mu.Lock()
	if s.closed {
		err := s.closeErr
		s.mu.Unlock()
		return nil, err
	}
	if _, busy := s.items[key]; !busy {
		req := s.activateLocked(key, op, timeout, deadline)
		s.mu.Unlock()
		return req, nil
	}
	if policy == KeyFailFast {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrBusy, OpName(key))
	}
	q := &queuedRequest{op: op, timeout: timeout, deadline: deadline, ready: make(chan struct{})}
	s.queues[key] = append(s.queues[key], q)
	s.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var err error
	select {
	case <-q.ready:
		return q.req, q.err
	case <-timer.C:
		err = fmt.Errorf("%w: queued behind %s request for %v", ErrTimeout, OpName(key), timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-q.ready:
		// Promoted or failed while giving up
		if q.err != nil {
			return nil, q.err
		}
		if s.items[key] == q.req {
			s.releaseLocked(key)
		}
	default:
		s.dequeueLocked(key, q)
	}
	return nil, err
}

// complete removes req and delivers res. It reports false when req was
// already completed by someone else.
func (s *pendingSet) complete(req *pendingRequest, res result) bool {
	s.mu.Lock()
	if s.items[req.key] != req {
		s.mu.Unlock()
		return false
	}
	s.releaseLocked(req.key)
	s.mu.Unlock()

	req.deliver(res)
	return true
}

// resolve hands frame to the request waiting on its opcode. An error ack
// nobody is waiting for fails the request instead when exactly one is
// outstanding; with several it cannot be attributed and is left unmatched.
func (s *pendingSet) resolve(frame Frame) bool {
	s.mu.Lock()
	req, ok := s.items[frame.Op()]
	if !ok {
		req, ok = s.rejectedLocked(frame)
	}
	if !ok {
		s.mu.Unlock()
		return false
	}
	s.releaseLocked(req.key)
	s.mu.Unlock()

	res := result{frame: frame}
	if code, failed := ackStatus(frame); failed {
		res = result{frame: frame, err: &DeviceError{Op: req.op, Code: code}}
	}
	req.deliver(res)
	return true
}

func (s *pendingSet) rejectedLocked(frame Frame) (*pendingRequest, bool) {
	if _, failed := ackStatus(frame); !failed || len(s.items) != 1 {
		return nil, false
	}
	for _, req := range s.items {
		return req, true
	}
	return nil, false
}

// ackStatus returns the status of an ack frame and whether it reports failure
func ackStatus(frame Frame) (byte, bool) {
	if frame.Op() != OpAck || frame.PayloadLen() == 0 {
		return AckStatusOK, false
	}
	code := frame.payload[0]
	return code, code != AckStatusOK
}

// wait blocks until req is completed, its deadline passes or ctx is done
func (s *pendingSet) wait(ctx context.Context, req *pendingRequest) result {
	timer := time.NewTimer(time.Until(req.deadline))
	defer timer.Stop()

	select {
	case res := <-req.result:
		return res
	case <-timer.C:
		s.complete(req, result{err: fmt.Errorf("%w: no %s reply within %v", ErrTimeout, OpName(req.key), req.timeout)})
	case <-ctx.Done():
		s.complete(req, result{err: ctx.Err()})
	}
	// Either our failure or a reply that won the race
	return <-req.result
}

// failAll closes the set and fails every outstanding request with err.
// Later registrations fail with the same error.
func (s *pendingSet) failAll(err error) int {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.closeErr = err
	}
	reqs := make([]*pendingRequest, 0, len(s.items))
	for key, req := range s.items {
		reqs = append(reqs, req)
		delete(s.items, key)
		pendingRequests.Dec()
	}
	for key, queue := range s.queues {
		for _, q := range queue {
			q.err = err
			close(q.ready)
		}
		delete(s.queues, key)
	}
	s.mu.Unlock()

	for _, req := range reqs {
		req.deliver(result{err: err})
	}
	return len(reqs)
}

// closedErr returns the close cause, or nil while the set is open
func (s *pendingSet) closedErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s.closeErr
	}
	return nil
}

func (s *pendingSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (r *pendingRequest) deliver(res result) {
	r.result <- res
}
