// Package netbridge tunnels classical CAN frames over QUIC, connecting a
// channel of the hardware interface to a remote frame gateway. Frames travel
// as fixed 16-byte socketcan records on a single bidirectional stream, so a
// bridge endpoint behaves like any other driver: what it reads becomes
// received traffic, what the scheduler writes is pushed to the gateway.
package netbridge

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/JayQu9/AgIsoStack-plus-plus/pkg/can"
)

// alpn is the protocol identifier negotiated on bridge connections.
const alpn = "can-bridge/1"

// helloRecord is sent by the dialer immediately after opening the stream.
// QUIC streams only become visible to the acceptor once bytes flow, so the
// hello both announces the stream and lets the gateway reject strangers.
var helloRecord = [can.WireSize]byte{'c', 'a', 'n', '-', 'b', 'r', 'i', 'd', 'g', 'e', '/', '1', 0, 0, 0, 0}

// dialTimeout bounds one connection attempt; the receive worker retries
// failed opens with its own backoff.
const dialTimeout = 10 * time.Second

// Driver is the dialing side of a bridge, satisfying can.Driver. It may be
// reopened after Close; each Open establishes a fresh QUIC session.
type Driver struct {
	addr string

	mu     sync.Mutex
	open   bool
	conn   quic.Connection
	stream quic.Stream

	writeMu sync.Mutex
}

// Dial returns an unopened driver that will connect to the gateway at addr.
func Dial(addr string) *Driver {
	return &Driver{addr: addr}
}

// Open connects to the gateway and opens the frame stream.
func (d *Driver) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return nil
	}
	tlsConf := &tls.Config{
		// the bridge carries already-public bus traffic between trusted
		// hosts; peer identity is not verified at this layer
		InsecureSkipVerify: true,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	conn, err := quic.DialAddr(ctx, d.addr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("netbridge: dial %s: %w", d.addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "stream setup failed")
		return fmt.Errorf("netbridge: open stream: %w", err)
	}
	if _, err := stream.Write(helloRecord[:]); err != nil {
		_ = conn.CloseWithError(0, "hello failed")
		return fmt.Errorf("netbridge: send hello: %w", err)
	}
	d.conn = conn
	d.stream = stream
	d.open = true
	return nil
}

// Close tears down the QUIC session, unblocking a pending ReadFrame.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	d.open = false
	err := d.conn.CloseWithError(0, "closed")
	d.conn = nil
	d.stream = nil
	return err
}

// ReadFrame blocks until the gateway pushes the next frame or the driver is
// closed.
func (d *Driver) ReadFrame() (can.Frame, error) {
	d.mu.Lock()
	stream, open := d.stream, d.open
	d.mu.Unlock()
	if !open {
		return can.Frame{}, can.ErrClosed
	}
	buf := make([]byte, can.WireSize)
	if _, err := io.ReadFull(stream, buf); err != nil {
		if !d.isOpen() {
			return can.Frame{}, can.ErrClosed
		}
		return can.Frame{}, fmt.Errorf("netbridge: read: %w", err)
	}
	var f can.Frame
	if err := f.UnmarshalBinary(buf); err != nil {
		return can.Frame{}, err
	}
	return f, nil
}

// WriteFrame pushes one frame to the gateway.
func (d *Driver) WriteFrame(f can.Frame) error {
	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	d.mu.Lock()
	stream, open := d.stream, d.open
	d.mu.Unlock()
	if !open {
		return can.ErrClosed
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := stream.Write(buf); err != nil {
		if !d.isOpen() {
			return can.ErrClosed
		}
		return fmt.Errorf("netbridge: write: %w", err)
	}
	return nil
}

func (d *Driver) isOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// serverTLSConfig builds the gateway's TLS config from an ephemeral
// self-signed certificate.
func serverTLSConfig() (*tls.Config, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
