// Package transport implements the UDP endpoint: one socket
// per process, non-blocking poll with timeout, low-delay IP_TOS, and
// enlarged kernel buffers (SO_REUSEADDR, large SO_SNDBUF/SO_RCVBUF,
// low-delay TOS via golang.org/x/net/ipv4 and ipv6).
package transport

import (
	"context"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"rootstream/internal/rserrors"
	"rootstream/internal/wire"
)

// DefaultPort is the default UDP bind port.
const DefaultPort = 9876

// socketBufferBytes is the enlarged SO_SNDBUF/SO_RCVBUF target.
const socketBufferBytes = 2 << 20

// lowDelayTOS is the IPTOS_LOWDELAY DSCP hint (RFC 791 TOS byte 0x10).
const lowDelayTOS = 0x10

// Endpoint is a bound UDP socket with the low-latency socket options
// applied.
type Endpoint struct {
	conn   *net.UDPConn
	v4     *ipv4.PacketConn
	v6     *ipv6.PacketConn
	isIPv6 bool
}

// Bind opens a UDP socket on port with SO_REUSEADDR, enlarged buffers,
// and a low-delay TOS hint.
func Bind(port int) (*Endpoint, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind transport: %w: %v", rserrors.ErrTransport, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		return nil, fmt.Errorf("bind transport: %w: unexpected conn type", rserrors.ErrTransport)
	}

	if err := conn.SetReadBuffer(socketBufferBytes); err != nil {
		// Non-fatal: the kernel may clamp this; proceed with the default.
		_ = err
	}
	if err := conn.SetWriteBuffer(socketBufferBytes); err != nil {
		_ = err
	}

	ep := &Endpoint{conn: conn}
	isIPv6 := conn.LocalAddr().(*net.UDPAddr).IP.To4() == nil
	ep.isIPv6 = isIPv6
	if isIPv6 {
		ep.v6 = ipv6.NewPacketConn(conn)
		_ = ep.v6.SetTrafficClass(lowDelayTOS)
	} else {
		ep.v4 = ipv4.NewPacketConn(conn)
		_ = ep.v4.SetTOS(lowDelayTOS)
	}

	return ep, nil
}

// LocalAddr returns the bound local address.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// SendTo sends a single datagram. Partial sends are not retried.
func (e *Endpoint) SendTo(addr *net.UDPAddr, b []byte) error {
	_, err := e.conn.WriteToUDP(b, addr)
	if err != nil {
		return fmt.Errorf("send to %s: %w: %v", addr, rserrors.ErrTransport, err)
	}
	return nil
}

// Datagram is one received UDP message.
type Datagram struct {
	Addr *net.UDPAddr
	Data []byte
}

// Recv polls for one datagram with the given timeout. It returns
// ok=false (no error) on a plain timeout; EAGAIN/EINTR equivalents are
// swallowed the same way.
func (e *Endpoint) Recv(timeout time.Duration, buf []byte) (Datagram, bool, error) {
	if err := e.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return Datagram{}, false, fmt.Errorf("recv: %w: %v", rserrors.ErrTransport, err)
	}
	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return Datagram{}, false, nil
		}
		return Datagram{}, false, fmt.Errorf("recv: %w: %v", rserrors.ErrTransport, err)
	}
	return Datagram{Addr: addr, Data: buf[:n]}, true, nil
}

// Close releases the socket.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// RecvBufferSize is the fixed stack-sized buffer callers should use with
// Recv, matching MaxPacketSize.
const RecvBufferSize = wire.MaxPacketSize
