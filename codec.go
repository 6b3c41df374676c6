package zstream

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/zstd"
)

// Compression levels, zstd numbering. Negative levels trade ratio for
// speed. DefaultLevel matches the default of the reference zstd
// library.
const (
	MinLevel     = -(1 << 17)
	MaxLevel     = 22
	DefaultLevel = 3
)

// readChunkSize limits a single next layer read.
const readChunkSize = 65535

// EncoderParam names a tunable encoder setting for SetEncoderParam.
type EncoderParam int

const (
	// EncoderLevel sets the compression level, MinLevel..MaxLevel.
	EncoderLevel EncoderParam = iota
	// EncoderWindowLog sets the log2 of the compression window, 10..29.
	EncoderWindowLog
	// EncoderConcurrency sets the number of encoder goroutines, >= 1.
	EncoderConcurrency
	// EncoderZeroFrames makes the encoder emit decodable frames for
	// empty input, 0 or 1.
	EncoderZeroFrames
)

// DecoderParam names a tunable decoder setting for SetDecoderParam.
type DecoderParam int

const (
	// DecoderMaxWindowLog rejects frames with a window above 1<<value,
	// 10..31.
	DecoderMaxWindowLog DecoderParam = iota
	// DecoderMaxMemory caps the decoded size of a frame in bytes, > 0.
	DecoderMaxMemory
	// DecoderLowMem trades speed for smaller allocations, 0 or 1.
	DecoderLowMem
)

// gate is a binary semaphore guarding one transfer direction. Lock order
// between waiters follows the runtime's FIFO channel queue.
type gate chan struct{}

func newGate() gate    { return make(gate, 1) }
func (g gate) lock()   { g <- struct{}{} }
func (g gate) unlock() { <-g }

func (g gate) tryLock() bool {
	select {
	case g <- struct{}{}:
		return true
	default:
		return false
	}
}

// core owns the codec state shared by read and write operations: the
// encoder and decoder contexts, the two direction gates, the outbound
// staging buffer and the statistics block. encoder state is touched only
// under writeGate. In Conn decoder state is touched only under readGate;
// AsyncConn drives the decoder from its single decode goroutine without
// the gate.
type core struct {
	level int // level given at construction, reapplied on reset

	enc *zstd.Encoder
	dec *zstd.Decoder
	src io.Reader     // compressed input for the decoder
	out *bytes.Buffer // encoded output waiting for the next layer

	readGate  gate
	writeGate gate

	encParams map[EncoderParam]int
	decParams map[DecoderParam]int

	stats Stats
}

func newCore(src io.Reader, level int) (*core, error) {
	if level < MinLevel || level > MaxLevel {
		return nil, newCodecError(CodeParameterOutOfBound, "compression level %d out of range %d..%d", level, MinLevel, MaxLevel)
	}
	c := &core{
		level:     level,
		src:       src,
		out:       &bytes.Buffer{},
		readGate:  newGate(),
		writeGate: newGate(),
		encParams: map[EncoderParam]int{},
		decParams: map[DecoderParam]int{},
	}
	if err := c.rebuildEncoder(); err != nil {
		return nil, err
	}
	if err := c.rebuildDecoder(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *core) encoderOptions() []zstd.EOption {
	opts := []zstd.EOption{
		zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(c.level)),
		zstd.WithEncoderConcurrency(1),
	}
	for p, v := range c.encParams {
		switch p {
		case EncoderLevel:
			opts[0] = zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(v))
		case EncoderWindowLog:
			opts = append(opts, zstd.WithWindowSize(1<<v))
		case EncoderConcurrency:
			opts[1] = zstd.WithEncoderConcurrency(v)
		case EncoderZeroFrames:
			opts = append(opts, zstd.WithZeroFrames(v == 1))
		}
	}
	return opts
}

func (c *core) decoderOptions() []zstd.DOption {
	// single goroutine keeps decoding strictly demand driven
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(1)}
	for p, v := range c.decParams {
		switch p {
		case DecoderMaxWindowLog:
			opts = append(opts, zstd.WithDecoderMaxWindow(uint64(1)<<v))
		case DecoderMaxMemory:
			opts = append(opts, zstd.WithDecoderMaxMemory(uint64(v)))
		case DecoderLowMem:
			opts = append(opts, zstd.WithDecoderLowmem(v == 1))
		}
	}
	return opts
}

func (c *core) rebuildEncoder() error {
	if c.enc != nil {
		// the old encoder must not flush frame bytes into staging
		c.enc.Reset(io.Discard)
		_ = c.enc.Close()
	}
	enc, err := zstd.NewWriter(c.out, c.encoderOptions()...)
	if err != nil {
		return mapCodecError(err)
	}
	c.enc = enc
	return nil
}

func (c *core) rebuildDecoder() error {
	if c.dec != nil {
		c.dec.Close()
	}
	dec, err := zstd.NewReader(c.src, c.decoderOptions()...)
	if err != nil {
		return mapCodecError(err)
	}
	c.dec = dec
	return nil
}

// setEncoderParam validates value bounds and rebuilds the encoder
// context. Calling it with a read or write in flight is not safe; reset
// first.
func (c *core) setEncoderParam(param EncoderParam, value int) error {
	switch param {
	case EncoderLevel:
		if value < MinLevel || value > MaxLevel {
			return newCodecError(CodeParameterOutOfBound, "level %d out of range %d..%d", value, MinLevel, MaxLevel)
		}
	case EncoderWindowLog:
		if value < 10 || value > 29 {
			return newCodecError(CodeParameterOutOfBound, "window log %d out of range 10..29", value)
		}
	case EncoderConcurrency:
		if value < 1 {
			return newCodecError(CodeParameterOutOfBound, "concurrency %d, must be >= 1", value)
		}
	case EncoderZeroFrames:
		if value != 0 && value != 1 {
			return newCodecError(CodeParameterOutOfBound, "zero frames %d, must be 0 or 1", value)
		}
	default:
		return newCodecError(CodeParameterUnsupported, "unknown encoder parameter %d", param)
	}
	c.encParams[param] = value
	return c.rebuildEncoder()
}

func (c *core) setDecoderParam(param DecoderParam, value int) error {
	switch param {
	case DecoderMaxWindowLog:
		if value < 10 || value > 31 {
			return newCodecError(CodeParameterOutOfBound, "max window log %d out of range 10..31", value)
		}
	case DecoderMaxMemory:
		if value <= 0 {
			return newCodecError(CodeParameterOutOfBound, "max memory %d, must be > 0", value)
		}
	case DecoderLowMem:
		if value != 0 && value != 1 {
			return newCodecError(CodeParameterOutOfBound, "low mem %d, must be 0 or 1", value)
		}
	default:
		return newCodecError(CodeParameterUnsupported, "unknown decoder parameter %d", param)
	}
	c.decParams[param] = value
	return c.rebuildDecoder()
}

// reset restores the core to its just-constructed state: fresh encoder
// and decoder sessions at the construction level, parameters back to
// defaults, staging drained, counters zeroed. Not safe while any
// operation holds a gate.
func (c *core) reset() error {
	c.encParams = map[EncoderParam]int{}
	c.decParams = map[DecoderParam]int{}
	c.out.Reset()
	if d, ok := c.src.(interface{ drop() }); ok {
		d.drop()
	}
	if err := c.rebuildEncoder(); err != nil {
		return err
	}
	if err := c.rebuildDecoder(); err != nil {
		return err
	}
	c.stats.Reset()
	return nil
}

// release frees both codec contexts. The core must not be used after.
func (c *core) release() {
	c.enc.Reset(io.Discard)
	_ = c.enc.Close()
	c.dec.Close()
}

// encode runs the caller's regions through the encoder in order and
// flushes, leaving the next layer enough to make progress without
// further input. Output lands in c.out. Returns the total input length.
func (c *core) encode(bufs [][]byte) (int, error) {
	total := 0
	for _, b := range bufs {
		n, err := c.enc.Write(b)
		total += n
		if err != nil {
			return total, mapCodecError(err)
		}
	}
	if err := c.enc.Flush(); err != nil {
		return total, mapCodecError(err)
	}
	return total, nil
}

// sourceReader pulls compressed bytes from the next layer in chunks of
// at most readChunkSize and counts them. It remembers the last transport
// error so read failures can be told apart from codec failures.
type sourceReader struct {
	rd    io.Reader
	stats *Stats

	buf  []byte
	r, w int
	err  error
}

func newSourceReader(rd io.Reader) *sourceReader {
	return &sourceReader{rd: rd, buf: make([]byte, readChunkSize)}
}

func (s *sourceReader) Read(p []byte) (int, error) {
	if s.r == s.w {
		n, err := s.rd.Read(s.buf)
		if s.stats != nil {
			s.stats.rxBytesCompressed.Add(uint64(n))
		}
		s.r, s.w = 0, n
		if n == 0 {
			if err == nil {
				err = io.EOF
			}
			s.err = err
			return 0, err
		}
	}
	n := copy(p, s.buf[s.r:s.w])
	s.r += n
	return n, nil
}

// buffered reports compressed bytes pulled from the next layer but not
// yet handed to the decoder.
func (s *sourceReader) buffered() int { return s.w - s.r }

func (s *sourceReader) drop() { s.r, s.w, s.err = 0, 0, nil }

// failed reports whether err originated in the next layer.
func (s *sourceReader) failed(err error) bool {
	return s.err != nil && errors.Is(err, s.err)
}
