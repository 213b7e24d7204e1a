package container

import "bytes"

// headBuffer keeps the first limit bytes written to it and discards the rest.
type headBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newHeadBuffer(limit int) *headBuffer {
	return &headBuffer{limit: limit}
}

func (b *headBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining <= 0 {
		b.truncated = b.truncated || len(p) > 0

		return len(p), nil
	}

	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true

		return len(p), nil
	}

	b.buf.Write(p)

	return len(p), nil
}

func (b *headBuffer) String() string {
	return b.buf.String()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	data  []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{data: make([]byte, 0, limit), limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)

	if n >= b.limit {
		b.data = append(b.data[:0], p[n-b.limit:]...)

		return n, nil
	}

	if overflow := len(b.data) + n - b.limit; overflow > 0 {
		b.data = append(b.data[:0], b.data[overflow:]...)
	}

	b.data = append(b.data, p...)

	return n, nil
}

func (b *tailBuffer) String() string {
	return string(b.data)
}
