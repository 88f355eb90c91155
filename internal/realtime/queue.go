package realtime

// roomQueue is a fixed-capacity FIFO ring. Pushing onto a full queue evicts the oldest event.
// It is not safe for concurrent use; the dispatcher guards each queue with its room lock.
type roomQueue struct {
	buf  []Event
	head int
	size int
}

func newRoomQueue(capacity int) *roomQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &roomQueue{buf: make([]Event, capacity)}
}

// push appends evt and reports whether an older event was evicted to make room.
func (q *roomQueue) push(evt Event) bool {
	capacity := len(q.buf)
	if q.size == capacity {
		q.buf[q.head] = evt
		q.head = (q.head + 1) % capacity
		return true
	}
	q.buf[(q.head+q.size)%capacity] = evt
	q.size++
	return false
}

// pop removes up to limit of the oldest events. limit <= 0 drains the queue.
func (q *roomQueue) pop(limit int) []Event {
	n := q.size
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = q.buf[q.head]
		q.buf[q.head] = Event{}
		q.head = (q.head + 1) % len(q.buf)
	}
	q.size -= n
	return out
}

func (q *roomQueue) len() int {
	return q.size
}

// peek returns the queued events oldest first without removing them.
func (q *roomQueue) peek() []Event {
	out := make([]Event, q.size)
	for i := range out {
		out[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return out
}
