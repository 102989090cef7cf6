package pipeline

// Queue is the FIFO of encoded frames waiting for the device to become
// writable. Frames pushed onto the queue belong to it until popped.
type Queue struct {
	items [][]byte
	head  int
	bytes int
}

func (q *Queue) Len() int {
	return len(q.items) - q.head
}

// Bytes is the total payload size of the queued frames.
func (q *Queue) Bytes() int {
	return q.bytes
}

func (q *Queue) Push(frame []byte) {
	q.items = append(q.items, frame)
	q.bytes += len(frame)
}

// PushFront puts frame back at the head, ahead of everything queued.
func (q *Queue) PushFront(frame []byte) {
	q.bytes += len(frame)
	if q.head > 0 {
		q.head--
		q.items[q.head] = frame
		return
	}
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = frame
}

func (q *Queue) Pop() ([]byte, bool) {
	if q.Len() == 0 {
		return nil, false
	}
	frame := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	q.bytes -= len(frame)
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head >= 64 && q.head*2 >= len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return frame, true
}

func (q *Queue) Clear() {
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	q.bytes = 0
}
