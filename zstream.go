// Package zstream wraps any bidirectional byte stream, typically a TCP
// connection, with transparent streaming zstd compression. Upper layer
// code reads and writes plain bytes; the next layer sees only zstd
// frames. Both peers wrap their end and the pair interoperates with
// anything producing streaming zstd.
package zstream

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
)

// Serve starts a TCP server at address and wraps each accepted
// connection. connectHandler is called on its own goroutine with each
// established connection; it owns reading, writing and closing it.
func Serve(ctx context.Context, address string, connectHandler func(*Conn), opts ...Option) error {
	nl, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		nl.Close()
	}()
	for {
		nc, err := nl.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				return err
			}
			break
		}
		go func(nc net.Conn) {
			c, err := NewConn(nc, opts...)
			if err != nil {
				nc.Close()
				return
			}
			connectHandler(c)
		}(nc)
	}
	return nil
}

// Echo copies everything received on c back to the peer until the
// stream ends.
func Echo(c *Conn) {
	defer c.Close()
	buf := make([]byte, 32*1024)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("read error %s", err)
			}
			return
		}
		if _, err := c.Write(buf[:n]); err != nil {
			log.Printf("write error %s", err)
			return
		}
	}
}
