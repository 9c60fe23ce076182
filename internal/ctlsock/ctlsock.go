// Package ctlsock implements the local Unix-socket control protocol the
// tray/UI command interface uses to talk to the running host or client
// loop. A request is one command line (LIST_PEERS, CONNECT <peer code>,
// DISCONNECT <hostname>, STATS); the response is key=value lines
// terminated by a blank line, so shell tooling (socat, nc -U) can
// drive the daemon directly.
package ctlsock

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// PeerStatus is one peer's entry in the LIST_PEERS response.
type PeerStatus struct {
	Hostname  string
	PeerCode  string
	State     string
	Addr      string
	Streaming bool
}

// Handler is implemented by the controller (or host/client loop) and
// invoked for each inbound command. Every method runs on the goroutine
// ctlsock starts for that connection, never on the host/client loop
// thread directly —
// implementations must hand work back to the loop thread via an owned
// channel rather than touching loop state in place.
type Handler interface {
	ListPeers() []PeerStatus
	Connect(peerCode string) error
	Disconnect(hostname string) error
	Stats() map[string]string
}

// Server accepts control connections on a Unix domain socket.
type Server struct {
	listener net.Listener
	handler  Handler
	log      zerolog.Logger

	mu      sync.Mutex
	closing bool
}

// Listen creates (replacing any stale socket file) and starts serving
// the control socket at path.
func Listen(path string, handler Handler, log zerolog.Logger) (*Server, error) {
	_ = removeStaleSocket(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ctlsock listen %s: %w", path, err)
	}
	s := &Server{listener: ln, handler: handler, log: log.With().Str("component", "ctlsock").Logger()}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return
			}
			s.log.Warn().Err(err).Msg("accept failed")
			return
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return
	}
	line := strings.TrimSpace(scanner.Text())
	resp := s.dispatch(line)
	for _, kv := range resp {
		fmt.Fprintf(conn, "%s\n", kv)
	}
	fmt.Fprint(conn, "\n")
}

func (s *Server) dispatch(line string) []string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return []string{"errno=1", "error=empty command"}
	}

	switch strings.ToUpper(fields[0]) {
	case "LIST_PEERS":
		peers := s.handler.ListPeers()
		out := make([]string, 0, len(peers)+1)
		out = append(out, "errno=0", "count="+strconv.Itoa(len(peers)))
		for i, p := range peers {
			prefix := fmt.Sprintf("peer%d.", i)
			out = append(out,
				prefix+"hostname="+p.Hostname,
				prefix+"peer_code="+p.PeerCode,
				prefix+"state="+p.State,
				prefix+"addr="+p.Addr,
				prefix+"streaming="+strconv.FormatBool(p.Streaming),
			)
		}
		return out

	case "CONNECT":
		if len(fields) < 2 {
			return []string{"errno=1", "error=connect requires a peer code"}
		}
		if err := s.handler.Connect(fields[1]); err != nil {
			return []string{"errno=1", "error=" + err.Error()}
		}
		return []string{"errno=0"}

	case "DISCONNECT":
		if len(fields) < 2 {
			return []string{"errno=1", "error=disconnect requires a hostname"}
		}
		if err := s.handler.Disconnect(fields[1]); err != nil {
			return []string{"errno=1", "error=" + err.Error()}
		}
		return []string{"errno=0"}

	case "STATS":
		stats := s.handler.Stats()
		out := []string{"errno=0"}
		for k, v := range stats {
			out = append(out, k+"="+v)
		}
		return out

	default:
		return []string{"errno=1", "error=unknown command " + fields[0]}
	}
}

// Close stops accepting new connections and releases the socket file.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	return s.listener.Close()
}

func removeStaleSocket(path string) error {
	conn, err := net.Dial("unix", path)
	if err == nil {
		conn.Close()
		return fmt.Errorf("ctlsock: socket already in use at %s", path)
	}
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return rmErr
	}
	return nil
}
