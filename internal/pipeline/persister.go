package pipeline

import (
	"errors"
	"sync"

	"github.com/roach88/entityledger/internal/logfile"
	"github.com/roach88/entityledger/internal/model"
)

var errPersisterClosed = errors.New("persister closed")

// record is one unit on the persistence channel: a mention, a deferred item,
// or a flush barrier.
type record struct {
	mention *model.Mention
	item    *model.DeferredItem
	barrier chan error
}

// persister is the single consumer that owns the append-only logs. The
// ingest goroutine hands it records over a bounded channel; a barrier is
// acknowledged only after every record sent before it has been flushed.
//
// A write error is sticky: once set, every later send and barrier returns it.
type persister struct {
	in       chan record
	done     chan struct{}
	mentions *logfile.Appender[model.Mention]
	items    *logfile.Appender[model.DeferredItem]

	mu     sync.Mutex
	err    error
	closed bool
}

func newPersister(size int) *persister {
	if size <= 0 {
		size = 1
	}
	return &persister{
		in:   make(chan record, size),
		done: make(chan struct{}),
	}
}

// start launches the consumer. Records sent before start block until the
// channel has room.
func (p *persister) start(mentions *logfile.Appender[model.Mention], items *logfile.Appender[model.DeferredItem]) {
	p.mentions = mentions
	p.items = items
	go p.loop()
}

func (p *persister) loop() {
	defer close(p.done)
	for r := range p.in {
		switch {
		case r.barrier != nil:
			err := p.failure()
			if err == nil {
				err = p.flush()
			}
			r.barrier <- err
		case p.failure() != nil:
			// Drop records after a failure; the next barrier reports it.
		case r.mention != nil:
			p.fail(p.mentions.Append(*r.mention))
		case r.item != nil:
			p.fail(p.items.Append(*r.item))
		}
	}
}

func (p *persister) flush() error {
	if err := p.mentions.Flush(); err != nil {
		p.fail(err)
		return err
	}
	if err := p.items.Flush(); err != nil {
		p.fail(err)
		return err
	}
	return nil
}

func (p *persister) fail(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *persister) failure() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *persister) send(r record) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPersisterClosed
	}
	err := p.err
	p.mu.Unlock()
	if err != nil {
		return err
	}
	p.in <- r
	return nil
}

// Append implements registry.MentionSink.
func (p *persister) Append(m model.Mention) error {
	return p.send(record{mention: &m})
}

// Flush implements checkpoint.Flusher. It blocks until every record sent
// before it is durable.
func (p *persister) Flush() error {
	ack := make(chan error, 1)
	if err := p.send(record{barrier: ack}); err != nil {
		return err
	}
	return <-ack
}

// Close drains the channel, flushes and stops the consumer. Only the
// producer goroutine may call Close.
func (p *persister) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.in)
	<-p.done
	if err := p.failure(); err != nil {
		return err
	}
	return errors.Join(p.mentions.Close(), p.items.Close())
}

// itemSink adapts the persister to queue.ItemSink.
type itemSink struct{ p *persister }

func (s itemSink) Append(item model.DeferredItem) error {
	return s.p.send(record{item: &item})
}
