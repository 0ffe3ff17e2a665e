package database

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrBufferClosed is returned for writes queued after the buffer shut down.
var ErrBufferClosed = errors.New("write buffer closed")

// maxBatch triggers an early flush once this many inserts are queued.
const maxBatch = 256

// WriteBuffer batches message inserts so that many concurrent writers share
// one transaction on the single write connection.
type WriteBuffer struct {
	db            *DB
	flushInterval time.Duration

	mu      sync.Mutex
	pending []*pendingMessage
	closed  bool

	kick     chan struct{}
	shutdown chan struct{}
	wg       sync.WaitGroup
}

type pendingMessage struct {
	msg    *Message
	result chan messageResult
}

type messageResult struct {
	message *Message
	err     error
}

// NewWriteBuffer creates a new write buffer with the given flush interval
func NewWriteBuffer(db *DB, flushInterval time.Duration) *WriteBuffer {
	wb := &WriteBuffer{
		db:            db,
		flushInterval: flushInterval,
		pending:       make([]*pendingMessage, 0, 64),
		kick:          make(chan struct{}, 1),
		shutdown:      make(chan struct{}),
	}

	wb.wg.Add(1)
	go wb.flushLoop()

	return wb
}

// PostMessage queues msg and waits for the flush that stores it. The ID is
// assigned at flush time. Returning early on ctx does not cancel the insert.
func (wb *WriteBuffer) PostMessage(ctx context.Context, msg *Message) (*Message, error) {
	p := &pendingMessage{msg: msg, result: make(chan messageResult, 1)}

	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return nil, ErrBufferClosed
	}
	wb.pending = append(wb.pending, p)
	full := len(wb.pending) >= maxBatch
	wb.mu.Unlock()

	if full {
		select {
		case wb.kick <- struct{}{}:
		default:
		}
	}

	select {
	case r := <-p.result:
		return r.message, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending returns the number of queued inserts.
func (wb *WriteBuffer) Pending() int {
	wb.mu.Lock()
	defer wb.mu.Unlock()
	return len(wb.pending)
}

func (wb *WriteBuffer) flushLoop() {
	defer wb.wg.Done()

	ticker := time.NewTicker(wb.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			wb.flush()
		case <-wb.kick:
			wb.flush()
		case <-wb.shutdown:
			wb.flush()
			return
		}
	}
}

// flush writes all queued inserts in a single transaction and answers every
// waiting caller.
func (wb *WriteBuffer) flush() {
	wb.mu.Lock()
	batch := wb.pending
	wb.pending = make([]*pendingMessage, 0, 64)
	wb.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	start := time.Now()
	fail := func(err error) {
		for _, p := range batch {
			p.result <- messageResult{err: err}
		}
	}

	tx, err := wb.db.writeConn.Begin()
	if err != nil {
		log.Printf("WriteBuffer: failed to begin transaction: %v", err)
		fail(err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO Message (id, kind, sender, body, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		log.Printf("WriteBuffer: failed to prepare message insert: %v", err)
		fail(err)
		return
	}
	defer stmt.Close()

	results := make([]messageResult, len(batch))
	for i, p := range batch {
		stored := *p.msg
		stored.ID = wb.db.snowflake.NextID()
		if _, err := stmt.Exec(stored.ID, stored.Kind.String(), stored.Sender, stored.Body, stored.CreatedAt); err != nil {
			results[i] = messageResult{err: err}
			continue
		}
		results[i] = messageResult{message: &stored}
	}

	if err := tx.Commit(); err != nil {
		log.Printf("WriteBuffer: failed to commit transaction: %v", err)
		fail(err)
		return
	}

	for i, p := range batch {
		p.result <- results[i]
	}

	if elapsed := time.Since(start); elapsed > wb.flushInterval {
		log.Printf("WriteBuffer: flushed %d messages in %v", len(batch), elapsed)
	}
}

// Close stops accepting writes, flushes what is queued and waits for the
// flush loop to exit.
func (wb *WriteBuffer) Close() {
	wb.mu.Lock()
	if wb.closed {
		wb.mu.Unlock()
		return
	}
	wb.closed = true
	wb.mu.Unlock()

	close(wb.shutdown)
	wb.wg.Wait()
}
