package stratum

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	proxyproto "github.com/pires/go-proxyproto"

	"github.com/tos-network/stratum-pool/internal/util"
)

// Handler receives session traffic. HandleRequest is called from the
// session's own goroutine, one request at a time.
type Handler interface {
	// Admit reports whether a new connection from host may proceed
	Admit(host string) bool
	// HandleOpen is called once a session is registered, before any input
	HandleOpen(s *Session)
	HandleRequest(s *Session, req *Request)
	// HandleBan is called when a session's ban score crosses BanScore
	HandleBan(s *Session)
	HandleClose(s *Session)
}

// PortSettings configures one listening port
type PortSettings struct {
	Port        int
	Difficulty  float64
	Dynamic     bool
	MaxInbound  int
	ProxyHeader bool
}

// Server accepts miner connections on one port
type Server struct {
	host       string
	publicHost string
	port       PortSettings
	handler    Handler

	listener net.Listener

	mu       sync.Mutex
	sessions map[uint64]*Session

	seq *atomic.Uint64

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewServer creates a listener for one port. seq is shared between servers
// so session ids are unique across ports.
func NewServer(host, publicHost string, port PortSettings, handler Handler, seq *atomic.Uint64) *Server {
	if seq == nil {
		seq = new(atomic.Uint64)
	}
	return &Server{
		host:       host,
		publicHost: publicHost,
		port:       port,
		handler:    handler,
		sessions:   make(map[uint64]*Session),
		seq:        seq,
		quit:       make(chan struct{}),
	}
}

// Start begins listening for connections
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind stratum server: %w", err)
	}
	if s.port.ProxyHeader {
		listener = &proxyproto.Listener{Listener: listener, ReadHeaderTimeout: 10 * time.Second}
	}
	s.listener = listener
	util.Infof("Stratum server listening on %s", listener.Addr())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every session
func (s *Server) Stop() {
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()

	for _, session := range s.Sessions() {
		session.Destroy()
	}
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
				util.Warnf("Accept error: %v", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}

		host := remoteHost(conn.RemoteAddr())
		if s.port.MaxInbound > 0 && s.Count() >= s.port.MaxInbound {
			util.Debugf("Ignoring client: too many inbound (%s) at port %d.", host, s.port.Port)
			conn.Close()
			continue
		}
		if !s.handler.Admit(host) {
			util.Debugf("Ignoring banned client (%s) at port %d.", host, s.port.Port)
			conn.Close()
			continue
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetKeepAlive(true)
			tcp.SetNoDelay(true)
		}
		s.add(conn)
	}
}

func (s *Server) add(conn net.Conn) *Session {
	session := newSession(s, s.seq.Add(1), conn)

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	s.handler.HandleOpen(session)

	go session.readLoop()
	go session.processLoop()
	go session.writeLoop()
	return session
}

func (s *Server) remove(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session.ID)
	s.mu.Unlock()
}

// Sessions returns a snapshot of the connected sessions
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	return out
}

// Count returns the number of connected sessions
func (s *Server) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Settings returns the port configuration
func (s *Server) Settings() PortSettings {
	return s.port
}
