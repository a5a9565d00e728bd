// Package server owns the connection layer: it accepts client
// transports, feeds frames through the protocol adapter into the
// command processor, and delivers responses and pushes back in order.
package server

import (
	"bufio"
	"errors"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatd/models"
	"chatd/protocol"
	"chatd/store"
)

type ServerConfig struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	RateBurst     int
	RatePerSecond float64
}

type Server struct {
	store    *store.Store
	config   *ServerConfig
	registry *Registry
	proc     *Processor

	mu    sync.Mutex
	conns map[*Conn]struct{}

	listener net.Listener
}

func New(st *store.Store, registry *Registry, rep Replicator, config *ServerConfig) *Server {
	if config.RateBurst <= 0 {
		config.RateBurst = 20
	}
	if config.RatePerSecond <= 0 {
		config.RatePerSecond = 10
	}

	return &Server{
		store:    st,
		config:   config,
		registry: registry,
		proc:     NewProcessor(st, registry, rep),
		conns:    make(map[*Conn]struct{}),
	}
}

func (s *Server) Registry() *Registry { return s.registry }

// SetReplicator installs the replication coordinator. It must be called
// before the server starts accepting connections; the coordinator needs
// the server for membership broadcasts, so it cannot be passed to New.
func (s *Server) SetReplicator(rep Replicator) {
	s.proc.rep = rep
}

// ListenAndServe accepts TCP clients speaking the text or JSON codec
// until the listener is closed.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener
	log.Printf("chat server listening on %s", listener.Addr())
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Printf("Error accepting connection: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) Shutdown() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) track(c *Conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// handleConnection runs one TCP client: a read loop here, a writer pump
// goroutine for outbound ordering.
func (s *Server) handleConnection(nc net.Conn) {
	remoteAddr := "unknown"
	if nc.RemoteAddr() != nil {
		remoteAddr = nc.RemoteAddr().String()
	}
	log.Printf("New client connected from %s", remoteAddr)

	c := newConn(remoteAddr, func(frame string) error {
		nc.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		_, err := nc.Write([]byte(frame + "\n"))
		return err
	}, nc.Close, protocol.TextCodec{})

	s.track(c)
	go c.writePump()
	defer func() {
		c.Close()
		s.untrack(c)
	}()

	limiter := rate.NewLimiter(rate.Limit(s.config.RatePerSecond), s.config.RateBurst)
	reader := bufio.NewReader(nc)
	sessionUser := ""

	for {
		nc.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !limiter.Allow() {
			log.Printf("Rate limit exceeded for %s; discarding frame", remoteAddr)
			continue
		}

		sessionUser = s.handleFrame(c, line, sessionUser)
	}

	if sessionUser != "" {
		s.registry.Unregister(sessionUser, c)
		log.Printf("Client %s disconnected from %s", sessionUser, remoteAddr)
	} else {
		log.Printf("Client disconnected from %s", remoteAddr)
	}
}

// handleFrame decodes and processes one frame, returning the (possibly
// updated) username bound to the connection. Decode failures answer
// with an ERROR frame and leave the connection open.
func (s *Server) handleFrame(c *Conn, line string, sessionUser string) string {
	codec, rest, err := protocol.ForFrame(line)
	if err != nil {
		s.replyError(c, c.currentCodec(), err)
		return sessionUser
	}
	c.setCodec(codec)

	req, err := codec.Decode(rest)
	if err != nil {
		s.replyError(c, codec, err)
		return sessionUser
	}

	resp, pushes := s.proc.Handle(req, sessionUser)

	// A successful CREATE or LOGIN binds the session; DEL_ACC on the
	// session's own account unbinds it. Binding happens before the
	// reply is queued so the client is online by the time it reads it.
	if resp != nil && resp.Kind == protocol.RespUsers &&
		(req.Op == protocol.OpCreate || req.Op == protocol.OpLogin) {
		sessionUser = req.Username
		s.registry.Register(sessionUser, c)
	}
	if resp != nil && resp.Kind == protocol.RespDelAcc && req.Username == sessionUser {
		s.registry.Unregister(sessionUser, c)
		sessionUser = ""
	}

	if resp != nil {
		c.enqueue(codec.EncodeResponse(resp))
	}

	for i := range pushes {
		s.Deliver(&pushes[i])
	}
	return sessionUser
}

func (s *Server) replyError(c *Conn, codec protocol.Codec, err error) {
	var wireErr *protocol.WireError
	if !errors.As(err, &wireErr) {
		wireErr = &protocol.WireError{Code: protocol.ErrUnspecifiedCommand}
	}
	c.enqueue(codec.EncodeResponse(protocol.ErrorResponse(wireErr.Code, wireErr.Detail)))
}

// Deliver routes one push event. A named recipient who is offline is a
// no-op: the store already recorded the unread state.
func (s *Server) Deliver(p *protocol.PushEvent) {
	if p.To != "" {
		if c, ok := s.registry.Lookup(p.To); ok {
			c.enqueuePush(p)
		}
		return
	}
	s.registry.Each(func(username string, c *Conn) {
		if p.Kind == protocol.PushUser && username == p.Username {
			return
		}
		c.enqueuePush(p)
	})
}

// BroadcastMembership fans a membership update to every connected
// client, logged in or not, so clients can fail over before their
// first login.
func (s *Server) BroadcastMembership(members []models.Member) {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	push := &protocol.PushEvent{Kind: protocol.PushMembers, Members: members}
	for _, c := range conns {
		c.enqueuePush(push)
	}
}
