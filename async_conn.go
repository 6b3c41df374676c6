package zstream

import (
	"bytes"
	"io"
	"log/slog"
	"sync"
)

// Stream is the downstream side of an AsyncConn: something that can
// push bytes toward the peer and shut the connection down.
type Stream interface {
	Send([]byte) error
	Close(error)
}

// Handler is the upstream side: it gets the decompressed byte stream
// and the disconnect notification.
type Handler interface {
	Received([]byte)
	Disconnected(error)
}

// AsyncConn is the push-mode rendition of the adapter, meant for event
// loop transports that deliver inbound bytes via callback instead of
// being read from. It sits between a downstream Stream and an upstream
// Handler: compressed bytes pushed in through Received come out of
// Handler.Received as plaintext, plaintext given to Send reaches the
// Stream compressed.
//
// Received never blocks; inbound bytes are staged in an unbounded
// queue, so a peer outrunning the upstream consumer grows memory
// without bound. Handler callbacks are made from the connection's
// decode goroutine, never from the pusher's stack. The buffer passed to
// Handler.Received is reused; the handler must not retain it.
type AsyncConn struct {
	stream  Stream
	handler Handler
	core    *core
	in      *byteQueue

	closeOnce sync.Once
}

// NewAsyncConn builds the adapter between stream and handler and starts
// its decode goroutine. Same level rules as NewConn.
func NewAsyncConn(stream Stream, handler Handler, opts ...Option) (*AsyncConn, error) {
	o := options{level: DefaultLevel}
	for _, opt := range opts {
		opt(&o)
	}
	in := newByteQueue()
	core, err := newCore(in, o.level)
	if err != nil {
		return nil, err
	}
	c := &AsyncConn{
		stream:  stream,
		handler: handler,
		core:    core,
		in:      in,
	}
	go c.decodeLoop()
	return c, nil
}

// Stats returns the connection's counters.
func (c *AsyncConn) Stats() *Stats { return &c.core.stats }

// Received accepts compressed bytes from the downstream transport. The
// data is copied; the caller keeps ownership of buf.
func (c *AsyncConn) Received(buf []byte) {
	c.core.stats.rxBytesCompressed.Add(uint64(len(buf)))
	c.in.push(buf)
}

// Closed tells the adapter that the downstream transport is gone. The
// decoder drains whatever it can still produce, the handler gets
// Disconnected with err and the codec contexts are released. A nil err
// is replaced by io.EOF if the inbound stream stopped between frames, or
// by the resulting codec error (also passed to Stream.Close) if it
// stopped inside a frame.
func (c *AsyncConn) Closed(err error) {
	c.closeOnce.Do(func() {
		c.in.close(err)
	})
}

// Send compresses plaintext, flushes the encoder and pushes the
// compressed bytes downstream in a single Send. Counts follow the write
// contract: all of p on success, nothing on error.
func (c *AsyncConn) Send(p []byte) error {
	c.core.writeGate.lock()
	defer c.core.writeGate.unlock()

	total, err := c.core.encode([][]byte{p})
	if err != nil {
		return err
	}
	sent := c.core.out.Len()
	if sent > 0 {
		// the stream owns the buffer once handed over
		data := make([]byte, sent)
		copy(data, c.core.out.Bytes())
		if err := c.stream.Send(data); err != nil {
			return systemError(err, "send")
		}
	}
	c.core.stats.txBytesTotal.Add(uint64(total))
	c.core.stats.txBytesCompressed.Add(uint64(sent))
	c.core.out.Reset()
	return nil
}

// decodeLoop pulls plaintext out of the decoder and hands it upstream
// until the inbound queue is closed or the codec fails.
func (c *AsyncConn) decodeLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.core.dec.Read(buf)
		if n > 0 {
			c.core.stats.rxBytesTotal.Add(uint64(n))
			c.handler.Received(buf[:n])
		}
		if err != nil {
			c.handler.Disconnected(c.disconnectReason(err))
			c.release()
			return
		}
	}
}

// release frees the codec contexts once the decode loop has stopped.
// The write gate keeps it from racing a concurrent Send.
func (c *AsyncConn) release() {
	c.core.writeGate.lock()
	c.core.release()
	c.core.writeGate.unlock()
}

func (c *AsyncConn) disconnectReason(err error) error {
	if closeErr := c.in.closeErr(); closeErr != nil {
		return closeErr
	}
	if err == io.EOF {
		return io.EOF
	}
	cerr := mapCodecError(err)
	slog.Debug("zstream decode failed", "error", cerr.Error())
	c.stream.Close(cerr)
	return cerr
}

// byteQueue is the unbounded inbound staging buffer: pushers append,
// the decoder blocks in Read until bytes arrive or the queue closes.
type byteQueue struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	err    error
	ready  chan struct{}
}

func newByteQueue() *byteQueue {
	return &byteQueue{ready: make(chan struct{}, 1)}
}

func (q *byteQueue) push(b []byte) {
	q.mu.Lock()
	if !q.closed {
		q.buf.Write(b)
	}
	q.mu.Unlock()
	q.signal()
}

func (q *byteQueue) close(err error) {
	q.mu.Lock()
	q.closed = true
	q.err = err
	q.mu.Unlock()
	q.signal()
}

func (q *byteQueue) closeErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return q.err
	}
	return nil
}

func (q *byteQueue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *byteQueue) Read(p []byte) (int, error) {
	for {
		q.mu.Lock()
		if q.buf.Len() > 0 {
			n, _ := q.buf.Read(p)
			q.mu.Unlock()
			return n, nil
		}
		if q.closed {
			q.mu.Unlock()
			return 0, io.EOF
		}
		q.mu.Unlock()
		<-q.ready
	}
}

func (q *byteQueue) drop() {
	q.mu.Lock()
	q.buf.Reset()
	q.mu.Unlock()
}
