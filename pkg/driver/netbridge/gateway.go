package netbridge

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/can"
	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/events"
)

// sessionBuffer is the per-session outbound queue depth. The gateway never
// blocks the scheduler goroutine: when a remote peer cannot keep up, frames
// to that peer are dropped and counted.
const sessionBuffer = 256

// Hardware is the slice of the hardware interface the gateway needs.
type Hardware interface {
	Transmit(can.Frame) error
	FrameReceived() *events.Dispatcher[can.Frame]
}

// Gateway accepts bridge connections and forwards frames between each remote
// peer and one local channel: frames received on the channel are pushed to
// every connected peer, frames pushed by a peer are enqueued for transmit on
// the channel.
type Gateway struct {
	hw      Hardware
	channel uint8
	log     *zap.Logger
}

// NewGateway builds a gateway bridging the given channel. A nil logger
// selects zap.L().
func NewGateway(hw Hardware, channel uint8, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.L()
	}
	return &Gateway{hw: hw, channel: channel, log: log}
}

// ListenAndServe accepts bridge sessions on addr until ctx is done.
func (g *Gateway) ListenAndServe(ctx context.Context, addr string) error {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return err
	}
	l, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return err
	}
	defer l.Close()
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	g.log.Info("bridge gateway listening", zap.String("addr", addr), zap.Uint8("channel", g.channel))
	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go g.handle(ctx, conn)
	}
}

func (g *Gateway) handle(ctx context.Context, conn quic.Connection) {
	log := g.log.With(zap.String("peer", conn.RemoteAddr().String()))
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		log.Debug("bridge session ended before stream setup", zap.Error(err))
		_ = conn.CloseWithError(0, "no stream")
		return
	}
	hello := make([]byte, can.WireSize)
	if _, err := io.ReadFull(stream, hello); err != nil || !bytes.Equal(hello, helloRecord[:]) {
		log.Debug("bridge peer failed hello", zap.Error(err))
		_ = conn.CloseWithError(0, "bad hello")
		return
	}
	log.Info("bridge peer connected")

	out := make(chan can.Frame, sessionBuffer)
	unsubscribe := g.hw.FrameReceived().Subscribe(func(f can.Frame) {
		if f.Channel != g.channel {
			return
		}
		select {
		case out <- f:
		default:
			// peer too slow; shedding here keeps the scheduler unthrottled
		}
	})
	defer unsubscribe()
	defer conn.CloseWithError(0, "session closed")

	// writer: local bus -> peer
	readerDone := make(chan struct{})
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-readerDone:
				return
			case f := <-out:
				buf, err := f.MarshalBinary()
				if err != nil {
					continue
				}
				if _, err := stream.Write(buf); err != nil {
					return
				}
			}
		}
	}()

	// reader: peer -> local bus
	buf := make([]byte, can.WireSize)
	for {
		if _, err := io.ReadFull(stream, buf); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Debug("bridge read ended", zap.Error(err))
			}
			break
		}
		var f can.Frame
		if err := f.UnmarshalBinary(buf); err != nil {
			log.Warn("dropping malformed bridge frame", zap.Error(err))
			continue
		}
		f.Channel = g.channel
		if err := g.hw.Transmit(f); err != nil {
			log.Warn("bridge transmit rejected", zap.Error(err))
		}
	}
	close(readerDone)
	<-writeDone
	log.Info("bridge peer disconnected")
}
