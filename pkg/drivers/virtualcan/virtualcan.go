// Package virtualcan implements a devicebus.Driver over a plain TCP
// connection, serializing frames with a 4-byte big-endian length prefix.
// It is a real asynchronous transport for local development without CAN
// hardware; the bus, canbus and canopen tests use hand-written fake
// drivers, and only this package's own loopback test runs over it.
package virtualcan

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	tcan "github.com/simonkerscher/tcan"
)

const readWriteTimeout = 100 * time.Millisecond

// Driver is a TCP loopback devicebus.Driver. Dial one side as the server
// (Listen) and the other as a client (Dial); every frame written by one
// end is read by the other.
type Driver struct {
	conn net.Conn
}

// Dial connects to addr as a client.
func Dial(addr string) (*Driver, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &Driver{conn: conn}, nil
}

// Listener accepts a single connection and wraps it as a Driver, for the
// server side of a loopback pair.
type Listener struct {
	ln net.Listener
}

// Listen opens a TCP listener on addr ("127.0.0.1:0" picks a free port).
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Addr returns the bound address, useful when addr was "127.0.0.1:0".
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Accept blocks for one incoming connection and wraps it as a Driver.
func (l *Listener) Accept() (*Driver, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &Driver{conn: conn}, nil
}

func (l *Listener) Close() error { return l.ln.Close() }

// InitializeInterface is a no-op: the connection is already established by
// Dial/Accept.
func (d *Driver) InitializeInterface() error { return nil }

// ReadFrame reads one length-prefixed frame with a short timeout so the
// caller's running flag is polled regularly; a read timeout is reported
// as ok=false, not an error. ctx is checked only before the read starts;
// a read already in progress runs until its deadline.
func (d *Driver) ReadFrame(ctx context.Context) (tcan.Frame, bool, error) {
	if ctx.Err() != nil {
		return tcan.Frame{}, false, ctx.Err()
	}
	d.conn.SetReadDeadline(time.Now().Add(readWriteTimeout))

	var lenBuf [4]byte
	if _, err := readFull(d.conn, lenBuf[:]); err != nil {
		if isTimeout(err) {
			return tcan.Frame{}, false, nil
		}
		return tcan.Frame{}, false, err
	}
	size := binary.BigEndian.Uint32(lenBuf[:])
	payload := make([]byte, size)
	if _, err := readFull(d.conn, payload); err != nil {
		return tcan.Frame{}, false, err
	}
	return deserializeFrame(payload)
}

// WriteFrame serializes and writes one frame with a short write deadline.
func (d *Driver) WriteFrame(ctx context.Context, frame tcan.Frame) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	d.conn.SetWriteDeadline(time.Now().Add(readWriteTimeout))
	payload := serializeFrame(frame)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := d.conn.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := d.conn.Write(payload)
	return err
}

func (d *Driver) Close() error { return d.conn.Close() }

func serializeFrame(f tcan.Frame) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, f.ID)
	binary.Write(buf, binary.BigEndian, f.DLC)
	buf.Write(f.Data[:])
	return buf.Bytes()
}

func deserializeFrame(payload []byte) (tcan.Frame, bool, error) {
	if len(payload) < 5+8 {
		return tcan.Frame{}, false, fmt.Errorf("virtualcan: short frame payload (%d bytes)", len(payload))
	}
	var f tcan.Frame
	f.ID = binary.BigEndian.Uint32(payload[0:4])
	f.DLC = payload[4]
	copy(f.Data[:], payload[5:13])
	return f, true, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
