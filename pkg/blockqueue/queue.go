// Package blockqueue implements the byte FIFO used to assemble fixed-size
// blocks out of arbitrarily chunked audio.
//
// A Queue is not safe for concurrent use: it is expected to be owned by
// a single goroutine.
package blockqueue

import (
	"fmt"
)

// DefaultMaxLength is the default cap of a Queue.
const DefaultMaxLength = 16 * 1024 * 1024

// Block is the result of PeekFixed.
//
// Data is only valid until the next mutating call on the Queue.
type Block struct {
	Data []byte

	// Silence is the amount of bytes at the tail of Data which were
	// not queued, but filled with silence.
	Silence uint64
}

// Partial reports if the block is partially (or completely) silence.
func (b Block) Partial() bool {
	return b.Silence > 0
}

type Queue struct {
	buf        []byte
	head       int
	readIndex  uint64
	writeIndex uint64
	maxLength  uint64
	silence    []byte
	scratch    []byte
}

// New returns a Queue capped at maxLength bytes (DefaultMaxLength if zero).
//
// If silence is nil the queue is strict: PeekFixed must never be asked
// for more than Len() bytes. Otherwise short reads are padded by
// repeating the silence pattern.
func New(maxLength uint64, silence []byte) *Queue {
	if maxLength == 0 {
		maxLength = DefaultMaxLength
	}
	return &Queue{
		maxLength: maxLength,
		silence:   silence,
	}
}

func (q *Queue) Len() uint64 {
	return q.writeIndex - q.readIndex
}

func (q *Queue) MaxLength() uint64 {
	return q.maxLength
}

// ReadIndex is the total amount of bytes ever consumed from the queue.
func (q *Queue) ReadIndex() uint64 {
	return q.readIndex
}

// WriteIndex is the total amount of bytes ever appended to the queue.
func (q *Queue) WriteIndex() uint64 {
	return q.writeIndex
}

func (q *Queue) pending() []byte {
	return q.buf[q.head:]
}

// Push appends data. It never blocks and never fails: if the cap would
// be exceeded, the oldest bytes are dropped. It returns the amount of
// dropped bytes.
func (q *Queue) Push(data []byte) (dropped uint64) {
	if uint64(len(data)) > q.maxLength {
		dropped += q.Flush()
		skip := uint64(len(data)) - q.maxLength
		dropped += skip
		q.writeIndex += skip
		q.readIndex += skip
		data = data[skip:]
	}
	if overflow := q.Len() + uint64(len(data)); overflow > q.maxLength {
		dropped += q.Drop(overflow - q.maxLength)
	}

	q.compact(len(data))
	q.buf = append(q.buf, data...)
	q.writeIndex += uint64(len(data))
	return dropped
}

// compact moves pending data to the beginning of the buffer if the
// consumed prefix dominates.
func (q *Queue) compact(incoming int) {
	if q.head == 0 {
		return
	}
	if len(q.buf)+incoming <= cap(q.buf) && q.head < len(q.buf)/2 {
		return
	}
	n := copy(q.buf, q.buf[q.head:])
	q.buf = q.buf[:n]
	q.head = 0
}

// PeekFixed returns a block of exactly n bytes from the head of the
// queue without consuming it.
func (q *Queue) PeekFixed(n uint64) Block {
	available := q.Len()
	if available >= n {
		return Block{Data: q.pending()[:n]}
	}
	if q.silence == nil {
		panic(fmt.Errorf("blockqueue: requested %d bytes, but only %d are queued", n, available))
	}

	if uint64(cap(q.scratch)) < n {
		q.scratch = make([]byte, n)
	}
	out := q.scratch[:n]
	copy(out, q.pending())
	for idx := available; idx < n; idx++ {
		out[idx] = q.silence[(q.readIndex+idx)%uint64(len(q.silence))]
	}
	return Block{
		Data:    out,
		Silence: n - available,
	}
}

// Drop consumes up to n bytes from the head and returns the amount of
// consumed bytes.
func (q *Queue) Drop(n uint64) uint64 {
	n = min(n, q.Len())
	q.head += int(n)
	q.readIndex += n
	if q.head == len(q.buf) {
		q.buf = q.buf[:0]
		q.head = 0
	}
	return n
}

// Rewind removes up to n most recently pushed bytes, which were not
// consumed yet. It returns the amount of removed bytes.
func (q *Queue) Rewind(n uint64) uint64 {
	n = min(n, q.Len())
	q.buf = q.buf[:len(q.buf)-int(n)]
	q.writeIndex -= n
	return n
}

// Flush drops everything queued and returns the amount of dropped bytes.
func (q *Queue) Flush() uint64 {
	return q.Drop(q.Len())
}
