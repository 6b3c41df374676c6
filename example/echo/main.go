// Echo server speaking compressed byte streams. Every connection is
// wrapped in a zstream.Conn and echoed back; per-connection transfer
// statistics are logged on disconnect.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/ianic/zstream"
)

// InteruptContext returns context which will be closed on application interupt
func InteruptContext() context.Context {
	ctx, stop := context.WithCancel(context.Background())
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		stop()
	}()
	return ctx
}

func main() {
	var (
		address = flag.String("address", "localhost:9001", "listen address")
		level   = flag.Int("level", zstream.DefaultLevel, "zstd compression level")
	)
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()
	log := logger.Sugar()

	ctx := InteruptContext()
	log.Infow("listening", "address", *address, "level", *level)
	err := zstream.Serve(ctx, *address, func(c *zstream.Conn) {
		echo(c, log)
	}, zstream.WithLevel(*level))
	if err != nil {
		log.Fatalw("serve failed", "error", err)
	}
}

func echo(c *zstream.Conn, log *zap.SugaredLogger) {
	defer func() {
		s := c.Stats().Load()
		log.Infow("disconnected",
			"rx_bytes", s.RxBytesTotal,
			"rx_bytes_compressed", s.RxBytesCompressed,
			"tx_bytes", s.TxBytesTotal,
			"tx_bytes_compressed", s.TxBytesCompressed,
		)
		c.Close()
	}()
	buf := make([]byte, 32*1024)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Warnw("read failed", "error", err)
			}
			return
		}
		if _, err := c.Write(buf[:n]); err != nil {
			log.Warnw("write failed", "error", err)
			return
		}
	}
}
