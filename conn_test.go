package zstream

import (
	"bytes"
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// fakeRW is a scriptable next layer.
type fakeRW struct {
	readFn  func(p []byte) (int, error)
	writeFn func(p []byte) (int, error)
	reads   int
	writes  int
}

func (f *fakeRW) Read(p []byte) (int, error) {
	f.reads++
	if f.readFn == nil {
		return 0, io.EOF
	}
	return f.readFn(p)
}

func (f *fakeRW) Write(p []byte) (int, error) {
	f.writes++
	if f.writeFn == nil {
		return len(p), nil
	}
	return f.writeFn(p)
}

// feedRW blocks reads until the test pushes a chunk.
type feedRW struct {
	feed chan []byte
}

func (f *feedRW) Read(p []byte) (int, error) {
	b, ok := <-f.feed
	if !ok {
		return 0, io.EOF
	}
	return copy(p, b), nil
}

func (f *feedRW) Write(p []byte) (int, error) { return len(p), nil }

func connPair(t *testing.T) (a, b *Conn) {
	t.Helper()
	p1, p2 := net.Pipe()
	a, err := NewConn(p1)
	require.NoError(t, err)
	b, err = NewConn(p2)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func ramp(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func readFull(t *testing.T, c *Conn, n int) []byte {
	t.Helper()
	got := make([]byte, n)
	total := 0
	for total < n {
		nn, err := c.Read(got[total:])
		require.NoError(t, err)
		total += nn
	}
	return got
}

// any partition of the plaintext into write chunks round-trips
func TestRoundTrip(t *testing.T) {
	cases := []struct {
		chunk int
		total int
	}{
		{1, 2048},
		{7, 4095},
		{512, 65535},
		{4096, 65535},
		{65535, 65535},
	}
	for _, tc := range cases {
		a, b := connPair(t)
		data := ramp(tc.total)

		var g errgroup.Group
		g.Go(func() error {
			for off := 0; off < len(data); off += tc.chunk {
				end := off + tc.chunk
				if end > len(data) {
					end = len(data)
				}
				n, err := a.Write(data[off:end])
				if err != nil {
					return err
				}
				if n != end-off {
					return errors.New("short write")
				}
			}
			return nil
		})

		got := readFull(t, b, len(data))
		require.NoError(t, g.Wait())
		require.Equal(t, data, got, "chunk size %d", tc.chunk)
	}
}

// 65535 byte loopback through an echo peer, with consistent statistics
// on both adapters
func TestLoopbackEcho(t *testing.T) {
	a, b := connPair(t)
	go Echo(b)

	data := ramp(65535)
	var g errgroup.Group
	g.Go(func() error {
		n, err := a.Write(data)
		if err != nil {
			return err
		}
		if n != len(data) {
			return errors.New("short write")
		}
		return nil
	})

	got := readFull(t, a, len(data))
	require.NoError(t, g.Wait())
	require.Equal(t, data, got)

	sa := a.Stats().Load()
	assert.Equal(t, uint64(65535), sa.TxBytesTotal)
	assert.Equal(t, uint64(65535), sa.RxBytesTotal)
	// the echo peer's write statistics land right after its last
	// transport write completes
	require.Eventually(t, func() bool {
		return b.Stats().TxBytesTotal() == 65535
	}, 2*time.Second, 5*time.Millisecond)
	sb := b.Stats().Load()
	assert.Equal(t, uint64(65535), sb.RxBytesTotal)
	assert.Equal(t, sa.TxBytesCompressed, sb.RxBytesCompressed)
	assert.Equal(t, sb.TxBytesCompressed, sa.RxBytesCompressed)
}

func TestScatterGather(t *testing.T) {
	a, b := connPair(t)

	var g errgroup.Group
	g.Go(func() error {
		n, err := a.WriteBuffers([][]byte{
			[]byte("hello "),
			nil,
			[]byte("scattered "),
			[]byte("world"),
		})
		if err != nil {
			return err
		}
		if n != 21 {
			return errors.New("unexpected write count")
		}
		return nil
	})

	want := []byte("hello scattered world")
	got := make([]byte, 0, len(want))
	regions := [][]byte{make([]byte, 4), make([]byte, 4), make([]byte, 32)}
	for len(got) < len(want) {
		n, err := b.ReadBuffers(regions)
		require.NoError(t, err)
		for _, r := range regions {
			if n == 0 {
				break
			}
			m := len(r)
			if m > n {
				m = n
			}
			got = append(got, r[:m]...)
			n -= m
		}
	}
	require.NoError(t, g.Wait())
	require.Equal(t, want, got)
}

func TestWriteAllOrNothing(t *testing.T) {
	boom := errors.New("broken pipe")
	rw := &fakeRW{writeFn: func(p []byte) (int, error) { return 0, boom }}
	c, err := NewConn(rw)
	require.NoError(t, err)

	n, err := c.Write(ramp(1024))
	assert.Equal(t, 0, n)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, CategorySystem, e.Category)
	// nothing was accounted as accepted
	assert.Equal(t, uint64(0), c.Stats().TxBytesTotal())
}

func TestWriteCountsWholeInput(t *testing.T) {
	var sent bytes.Buffer
	rw := &fakeRW{writeFn: func(p []byte) (int, error) { return sent.Write(p) }}
	c, err := NewConn(rw)
	require.NoError(t, err)

	n, err := c.WriteBuffers([][]byte{ramp(10), nil, ramp(20)})
	require.NoError(t, err)
	assert.Equal(t, 30, n)
	assert.Equal(t, uint64(30), c.Stats().TxBytesTotal())
	assert.Equal(t, uint64(sent.Len()), c.Stats().TxBytesCompressed())
	assert.Greater(t, sent.Len(), 0)
}

func TestEmptyWrite(t *testing.T) {
	rw := &fakeRW{}
	c, err := NewConn(rw)
	require.NoError(t, err)

	n, err := c.Write(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = c.WriteBuffers(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	// flush output, if any, is transmitted but never counted as payload
	assert.Equal(t, uint64(0), c.Stats().TxBytesTotal())
}

func TestEmptyRead(t *testing.T) {
	rw := &fakeRW{readFn: func(p []byte) (int, error) {
		panic("read on empty buffer sequence")
	}}
	c, err := NewConn(rw)
	require.NoError(t, err)

	n, err := c.Read(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	n, err = c.ReadBuffers([][]byte{nil, {}})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, rw.reads)
}

func TestReadEOF(t *testing.T) {
	var frame bytes.Buffer
	enc, err := zstd.NewWriter(&frame, zstd.WithEncoderConcurrency(1))
	require.NoError(t, err)
	_, err = enc.Write([]byte("hello world"))
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	rw := &struct {
		io.Reader
		io.Writer
	}{bytes.NewReader(frame.Bytes()), io.Discard}
	c, err := NewConn(rw)
	require.NoError(t, err)

	got := readFull(t, c, 11)
	assert.Equal(t, []byte("hello world"), got)

	// stream end after the delivered plaintext
	n, err := c.Read(make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	assert.Equal(t, uint64(11), c.Stats().RxBytesTotal())
	assert.Equal(t, uint64(frame.Len()), c.Stats().RxBytesCompressed())
}

func TestReadBadTransport(t *testing.T) {
	rw := &fakeRW{readFn: func(p []byte) (int, error) { return 0, syscall.EBADF }}
	c, err := NewConn(rw)
	require.NoError(t, err)

	n, err := c.Read(make([]byte, 512))
	assert.Equal(t, 0, n)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.EBADF))
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, CategorySystem, e.Category)
}

func TestReadCorruptInput(t *testing.T) {
	garbage := bytes.NewReader([]byte("definitely not a zstd frame, not even close"))
	rw := &struct {
		io.Reader
		io.Writer
	}{garbage, io.Discard}
	c, err := NewConn(rw)
	require.NoError(t, err)

	_, err = c.Read(make([]byte, 64))
	require.Error(t, err)
	var e *Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, CategoryCodec, e.Category)
	assert.Equal(t, CodePrefixUnknown, e.Code)

	// the gate was released on the error path; the next read fails
	// again instead of deadlocking
	_, err = c.Read(make([]byte, 64))
	require.Error(t, err)
}

func TestResetRoundTrip(t *testing.T) {
	a, b := connPair(t)
	data := ramp(65535)

	transfer := func() {
		var g errgroup.Group
		g.Go(func() error {
			_, err := a.Write(data)
			return err
		})
		got := readFull(t, b, len(data))
		require.NoError(t, g.Wait())
		require.Equal(t, data, got)
	}

	transfer()
	first := a.Stats().Load()
	firstPeer := b.Stats().Load()

	require.NoError(t, a.Reset())
	require.NoError(t, b.Reset())
	assert.Equal(t, Snapshot{}, a.Stats().Load())
	assert.Equal(t, Snapshot{}, b.Stats().Load())

	transfer()
	// statistics reflect only the run after reset, not the sum
	assert.Equal(t, first, a.Stats().Load())
	assert.Equal(t, firstPeer, b.Stats().Load())
}

func TestResetIdempotent(t *testing.T) {
	c, err := NewConn(&fakeRW{})
	require.NoError(t, err)
	c.Stats().txBytesTotal.Add(42)

	require.NoError(t, c.Reset())
	require.NoError(t, c.Reset())
	assert.Equal(t, Snapshot{}, c.Stats().Load())
}

// a second read never reaches the decoder while the first holds the
// read direction
func TestReadSerialization(t *testing.T) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderConcurrency(1))
	require.NoError(t, err)
	_, err = enc.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, enc.Flush())
	chunk1 := append([]byte{}, buf.Bytes()...)
	buf.Reset()
	_, err = enc.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, enc.Flush())
	chunk2 := append([]byte{}, buf.Bytes()...)

	rw := &feedRW{feed: make(chan []byte)}
	c, err := NewConn(rw)
	require.NoError(t, err)

	res := make(chan string, 2)
	read := func() {
		b := make([]byte, 5)
		n, err := c.Read(b)
		if err != nil {
			res <- err.Error()
			return
		}
		res <- string(b[:n])
	}

	go read()
	time.Sleep(50 * time.Millisecond) // first read holds the gate, blocked on the next layer
	go read()
	time.Sleep(50 * time.Millisecond)
	select {
	case s := <-res:
		t.Fatalf("read completed with no data: %q", s)
	default:
	}

	rw.feed <- chunk1
	select {
	case s := <-res:
		assert.Equal(t, "hello", s)
	case <-time.After(2 * time.Second):
		t.Fatal("first read did not complete")
	}
	select {
	case s := <-res:
		t.Fatalf("second read completed without data: %q", s)
	case <-time.After(50 * time.Millisecond):
	}

	rw.feed <- chunk2
	select {
	case s := <-res:
		assert.Equal(t, "world", s)
	case <-time.After(2 * time.Second):
		t.Fatal("second read did not complete")
	}
}

// the completion handler is never invoked on the initiator's stack,
// even when the operation needs no transport I/O at all
func TestCompletionDeferred(t *testing.T) {
	c, err := NewConn(&fakeRW{})
	require.NoError(t, err)

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	// each completion waits for its initiating call to return; run
	// inline, it would block that call forever
	writeReturned := make(chan struct{})
	c.WriteSome(nil, func(n int, err error) {
		<-writeReturned
		done <- result{n, err}
	})
	close(writeReturned)
	select {
	case r := <-done:
		assert.Equal(t, 0, r.n)
		assert.NoError(t, r.err)
	case <-time.After(2 * time.Second):
		t.Fatal("completion never delivered")
	}

	readReturned := make(chan struct{})
	c.ReadSome(nil, func(n int, err error) {
		<-readReturned
		done <- result{n, err}
	})
	close(readReturned)
	select {
	case r := <-done:
		assert.Equal(t, 0, r.n)
		assert.NoError(t, r.err)
	case <-time.After(2 * time.Second):
		t.Fatal("completion never delivered")
	}
}

// reads and writes on the same adapter progress independently
func TestConcurrentReadWrite(t *testing.T) {
	a, b := connPair(t)
	go Echo(b)

	data := ramp(4096)
	type result struct {
		n   int
		err error
	}
	wrote := make(chan result, 1)
	readBuf := make([]byte, len(data))

	// start the read before any data exists; the concurrent write
	// feeds it through the echo peer
	readDone := make(chan []byte, 1)
	a.ReadSome([][]byte{readBuf}, func(n int, err error) {
		if err != nil {
			readDone <- nil
			return
		}
		readDone <- readBuf[:n]
	})
	a.WriteSome([][]byte{data}, func(n int, err error) {
		wrote <- result{n, err}
	})

	select {
	case r := <-wrote:
		require.NoError(t, r.err)
		assert.Equal(t, len(data), r.n)
	case <-time.After(5 * time.Second):
		t.Fatal("write did not complete")
	}

	var got []byte
	select {
	case first := <-readDone:
		require.NotNil(t, first)
		got = append(got, first...)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not complete")
	}
	if rest := len(data) - len(got); rest > 0 {
		got = append(got, readFull(t, a, rest)...)
	}
	assert.Equal(t, data, got)
}

func TestNextLayer(t *testing.T) {
	rw := &fakeRW{}
	c, err := NewConn(rw)
	require.NoError(t, err)
	assert.Same(t, rw, c.NextLayer().(*fakeRW))
}
