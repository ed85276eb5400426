package bridge

// ring is a fixed-capacity byte FIFO. Writes past capacity drop the
// overflow; the stream is lossy by contract and the graph is expected
// to cope.
type ring struct {
	buf   []byte
	head  int
	tail  int
	count int
}

func newRing(size int) *ring {
	return &ring{buf: make([]byte, size)}
}

func (r *ring) write(p []byte) int {
	written := 0
	for _, c := range p {
		if r.count == len(r.buf) {
			break
		}
		r.buf[r.head] = c
		r.head = (r.head + 1) % len(r.buf)
		r.count++
		written++
	}
	return written
}

func (r *ring) read(p []byte) int {
	read := 0
	for read < len(p) && r.count > 0 {
		p[read] = r.buf[r.tail]
		r.tail = (r.tail + 1) % len(r.buf)
		r.count--
		read++
	}
	return read
}

func (r *ring) len() int { return r.count }
