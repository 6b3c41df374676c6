package zstream

import (
	"io"
	"net"
	"sync"
)

// Conn wraps a bidirectional byte stream and exposes the same interface
// with transparent zstd compression: bytes written are compressed before
// they reach the next layer, bytes read are decompressed. The wire
// carries raw zstd frames, nothing else, so any peer speaking streaming
// zstd interoperates.
//
// Reads and writes are serialized per direction and fully independent
// between directions. Concurrent calls from multiple goroutines are
// admitted one at a time in arrival order.
//
// After any codec error the session state is undefined; call Reset
// before continuing.
type Conn struct {
	rw   io.ReadWriter
	src  *sourceReader
	core *core

	done      chan struct{}
	closeOnce sync.Once
	readOnce  sync.Once
	writeOnce sync.Once
	readReqs  chan asyncOp
	writeReqs chan asyncOp
}

type options struct {
	level int
}

// Option configures a Conn.
type Option func(*options)

// WithLevel sets the zstd compression level, MinLevel..MaxLevel.
func WithLevel(level int) Option {
	return func(o *options) { o.level = level }
}

// NewConn wraps rw, typically a net.Conn. Construction fails with a
// codec error of code CodeParameterOutOfBound if the level is invalid.
func NewConn(rw io.ReadWriter, opts ...Option) (*Conn, error) {
	o := options{level: DefaultLevel}
	for _, opt := range opts {
		opt(&o)
	}
	src := newSourceReader(rw)
	core, err := newCore(src, o.level)
	if err != nil {
		return nil, err
	}
	src.stats = &core.stats
	return &Conn{
		rw:   rw,
		src:  src,
		core: core,
		done: make(chan struct{}),
	}, nil
}

// Dial connects to address over TCP and wraps the connection.
func Dial(address string, opts ...Option) (*Conn, error) {
	nc, err := net.Dial("tcp", address)
	if err != nil {
		return nil, systemError(err, "dial")
	}
	c, err := NewConn(nc, opts...)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NextLayer returns the wrapped stream.
func (c *Conn) NextLayer() io.ReadWriter { return c.rw }

// Stats returns the connection's counters.
func (c *Conn) Stats() *Stats { return &c.core.stats }

// SetEncoderParam reconfigures the encoder. Calling it while an
// operation is in flight is not safe; it is meant for setup time or
// right after Reset.
func (c *Conn) SetEncoderParam(param EncoderParam, value int) error {
	return c.core.setEncoderParam(param, value)
}

// SetDecoderParam reconfigures the decoder, same rules as
// SetEncoderParam.
func (c *Conn) SetDecoderParam(param DecoderParam, value int) error {
	return c.core.setDecoderParam(param, value)
}

// Reset starts fresh encoder and decoder sessions at the construction
// level, drops staged bytes and zeroes statistics. This is the recovery
// path after a codec error. Calling Reset with a read or write in
// flight is not safe.
func (c *Conn) Reset() error { return c.core.reset() }

// Read decompresses into p. It blocks until at least one plaintext byte
// is available, the peer's stream ends or an error occurs.
func (c *Conn) Read(p []byte) (int, error) {
	return c.ReadBuffers([][]byte{p})
}

// ReadBuffers decompresses into the regions of bufs in order. It pulls
// compressed bytes from the next layer as needed, blocking only while
// no plaintext has been produced yet; once any byte has been delivered
// it fills further regions only from already staged input. An empty
// bufs returns immediately with 0 and no next layer read.
func (c *Conn) ReadBuffers(bufs [][]byte) (int, error) {
	if emptyBuffers(bufs) {
		return 0, nil
	}
	c.core.readGate.lock()
	defer c.core.readGate.unlock()
	if c.closed() {
		return 0, ErrClosed
	}

	total := 0
	var err error
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		if total > 0 && c.src.buffered() == 0 {
			break
		}
		var n int
		n, err = c.core.dec.Read(b)
		total += n
		if err != nil || n < len(b) {
			break
		}
	}
	c.core.stats.rxBytesTotal.Add(uint64(total))
	if err == io.EOF && total > 0 {
		// deliver what we have, EOF surfaces on the next call
		return total, nil
	}
	return total, c.readError(err)
}

func (c *Conn) readError(err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if c.src.failed(err) {
		return systemError(err, "read next layer")
	}
	return mapCodecError(err)
}

// Write compresses p, flushes the encoder and sends everything staged
// to the next layer in one write. On success the returned count is
// exactly len(p); on any error it is 0, as the compressed stream offers
// no meaningful partial count.
func (c *Conn) Write(p []byte) (int, error) {
	return c.WriteBuffers([][]byte{p})
}

// WriteBuffers is Write over a gather list. On success the returned
// count is the summed length of all regions.
func (c *Conn) WriteBuffers(bufs [][]byte) (int, error) {
	c.core.writeGate.lock()
	defer c.core.writeGate.unlock()
	if c.closed() {
		return 0, ErrClosed
	}

	total, err := c.core.encode(bufs)
	if err != nil {
		return 0, err
	}
	sent := c.core.out.Len()
	if sent > 0 {
		if _, err := c.rw.Write(c.core.out.Bytes()); err != nil {
			return 0, systemError(err, "write next layer")
		}
	}
	c.core.stats.txBytesTotal.Add(uint64(total))
	c.core.stats.txBytesCompressed.Add(uint64(sent))
	c.core.out.Reset()
	return total, nil
}

// Completion receives the result of a ReadSome or WriteSome operation.
type Completion func(n int, err error)

type asyncOp struct {
	bufs     [][]byte
	complete Completion
}

const opQueueLen = 32

// ReadSome starts an asynchronous read into bufs. The completion is
// invoked with the bytes delivered, never on the caller's stack.
// Operations are admitted in start order.
func (c *Conn) ReadSome(bufs [][]byte, complete Completion) {
	c.readOnce.Do(func() {
		c.readReqs = make(chan asyncOp, opQueueLen)
		go c.opLoop(c.readReqs, c.ReadBuffers)
	})
	c.submit(c.readReqs, asyncOp{bufs: bufs, complete: complete})
}

// WriteSome starts an asynchronous write of bufs. The completion count
// follows the Write contract: the full input length on success, 0 on
// error. The completion is never invoked on the caller's stack.
func (c *Conn) WriteSome(bufs [][]byte, complete Completion) {
	c.writeOnce.Do(func() {
		c.writeReqs = make(chan asyncOp, opQueueLen)
		go c.opLoop(c.writeReqs, c.WriteBuffers)
	})
	c.submit(c.writeReqs, asyncOp{bufs: bufs, complete: complete})
}

func (c *Conn) submit(reqs chan asyncOp, op asyncOp) {
	if c.closed() {
		go op.complete(0, ErrClosed)
		return
	}
	select {
	case <-c.done:
		go op.complete(0, ErrClosed)
	case reqs <- op:
	}
}

// opLoop drains one direction's queue, running operations strictly one
// after another. Completions run here, so they can never land on the
// initiator's stack even when the operation finishes without touching
// the next layer.
func (c *Conn) opLoop(reqs chan asyncOp, run func([][]byte) (int, error)) {
	for {
		select {
		case op := <-reqs:
			n, err := run(op.bufs)
			op.complete(n, err)
		case <-c.done:
			for {
				select {
				case op := <-reqs:
					op.complete(0, ErrClosed)
				default:
					return
				}
			}
		}
	}
}

// Close stops the async workers, closes the next layer if it is an
// io.Closer and releases the codec contexts. In-flight operations
// surface the transport's close error; Close waits for them to drain
// before freeing the codec.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		if cl, ok := c.rw.(io.Closer); ok {
			err = cl.Close()
		}
		c.core.readGate.lock()
		c.core.writeGate.lock()
		c.core.release()
		c.core.writeGate.unlock()
		c.core.readGate.unlock()
	})
	return err
}

// closed reports whether Close has been called.
func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func emptyBuffers(bufs [][]byte) bool {
	for _, b := range bufs {
		if len(b) > 0 {
			return false
		}
	}
	return true
}
