package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/packet"
	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/transmit"
)

var listenOn string

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Accept streams and report sequence gaps (receiver diagnostic)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ln, err := net.Listen("tcp", listenOn)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("listening for streams", zap.String("addr", ln.Addr().String()))
		return acceptStreams(ctx, ln, logger)
	},
}

func init() {
	listenCmd.Flags().StringVar(&listenOn, "addr", fmt.Sprintf(":%d", transmit.DefaultPort), "address to accept streams on")
}

// acceptStreams serves each connection until ctx is done.
func acceptStreams(ctx context.Context, ln net.Listener, logger *zap.Logger) error {
	var (
		mu    sync.Mutex
		conns = map[net.Conn]struct{}{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return err
			}
			mu.Lock()
			conns[conn] = struct{}{}
			mu.Unlock()
			if gctx.Err() != nil {
				// Raced with shutdown; the close sweep may have missed it.
				conn.Close()
			}
			g.Go(func() error {
				defer func() {
					mu.Lock()
					delete(conns, conn)
					mu.Unlock()
					conn.Close()
				}()
				r := readStream(conn)
				logger.Info("stream ended",
					zap.String("remote", conn.RemoteAddr().String()),
					zap.Uint64("packets", r.Packets),
					zap.Uint64("bytes", r.Bytes),
					zap.Uint64("lost", r.Lost),
					zap.Uint64("reordered", r.Reordered),
					zap.Error(r.Err))
				return nil
			})
		}
	})
	return g.Wait()
}

// streamReport summarizes one connection.
type streamReport struct {
	Packets   uint64
	Bytes     uint64
	First     uint32
	Last      uint32
	Lost      uint64
	Reordered uint64
	Err       error
}

// readStream consumes packets until EOF or a framing error. A jump forward
// in sequence counts the skipped numbers as lost; a step backwards counts as
// reordered.
func readStream(r io.Reader) streamReport {
	var rep streamReport
	pr := packet.NewReader(r)
	for {
		h, payload, err := pr.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				rep.Err = err
			}
			return rep
		}
		if rep.Packets == 0 {
			rep.First = h.Sequence
		} else {
			switch {
			case h.Sequence > rep.Last+1:
				rep.Lost += uint64(h.Sequence - rep.Last - 1)
			case h.Sequence <= rep.Last:
				rep.Reordered++
			}
		}
		if rep.Packets == 0 || h.Sequence > rep.Last {
			rep.Last = h.Sequence
		}
		rep.Packets++
		rep.Bytes += uint64(packet.HeaderSize + len(payload))
	}
}
