package transport

import "sync"

// outbox releases response frames in the order their requests were accepted.
// A slot is reserved when a message is accepted and completed when its
// response is ready; completed frames wait until every earlier slot has been
// completed. Notifications bypass the ordering.
type outbox struct {
	mu       sync.Mutex
	next     uint64
	head     uint64
	pending  map[uint64][]byte
	unsorted [][]byte
	ready    chan struct{}
}

func newOutbox() *outbox {
	return &outbox{
		pending: make(map[uint64][]byte),
		ready:   make(chan struct{}, 1),
	}
}

// reserve takes the next slot in acceptance order
func (o *outbox) reserve() uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	seq := o.next
	o.next++
	return seq
}

// complete fills a reserved slot. A nil frame completes the slot without
// sending anything.
func (o *outbox) complete(seq uint64, frame []byte) {
	o.mu.Lock()
	if frame == nil {
		frame = []byte{}
	}
	o.pending[seq] = frame
	deliverable := seq == o.head
	o.mu.Unlock()

	if deliverable {
		o.signal()
	}
}

// push queues a frame that is not subject to ordering
func (o *outbox) push(frame []byte) {
	o.mu.Lock()
	o.unsorted = append(o.unsorted, frame)
	o.mu.Unlock()
	o.signal()
}

// drain returns the frames that may be written now
func (o *outbox) drain() [][]byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := o.unsorted
	o.unsorted = nil
	for {
		frame, ok := o.pending[o.head]
		if !ok {
			break
		}
		delete(o.pending, o.head)
		o.head++
		if len(frame) > 0 {
			out = append(out, frame)
		}
	}
	return out
}

// idle reports whether every reserved slot has been delivered
func (o *outbox) idle() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.head == o.next && len(o.unsorted) == 0
}

func (o *outbox) signal() {
	select {
	case o.ready <- struct{}{}:
	default:
	}
}
