// Package rpc implements the daemon's Unix-socket RPC surface: auth
// handshake, typed request dispatch, and the connection lifecycle that
// ties sockets to the subscription registry.
package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agenthub/hubd/pkg/acceptance"
	"github.com/agenthub/hubd/pkg/board"
	"github.com/agenthub/hubd/pkg/breaker"
	"github.com/agenthub/hubd/pkg/config"
	"github.com/agenthub/hubd/pkg/events"
	"github.com/agenthub/hubd/pkg/knowledge"
	"github.com/agenthub/hubd/pkg/mailbox"
	"github.com/agenthub/hubd/pkg/metrics"
	"github.com/agenthub/hubd/pkg/routing"
	"github.com/agenthub/hubd/pkg/sla"
	"github.com/agenthub/hubd/pkg/trust"
	"github.com/agenthub/hubd/pkg/wire"
	"github.com/agenthub/hubd/pkg/workflow"
	"github.com/agenthub/hubd/pkg/workspace"
)

// Deps bundles everything the handlers reach for. Feature-gated
// components are nil when their flag is off; handlers answer a
// validation error for requests against a disabled component.
type Deps struct {
	Config   *config.Config
	Features config.Features

	Bus      *events.Bus
	Registry *events.Registry
	Log      *events.Log

	Board   *board.Store
	Machine *board.Machine
	Links   *board.LinkStore

	Trust      *trust.Store
	Caps       *routing.Store
	SLA        *sla.Engine
	Sessions   *sla.MetricsStore
	Library    *workflow.Library
	Workflow   *workflow.Engine
	Runs       workflow.RunStore
	Acceptance *acceptance.Runner
	Breaker    *breaker.Breaker
	Mailbox    *mailbox.Store
	Knowledge  *knowledge.Index
	Workspaces *workspace.Manager
	Metrics    *metrics.Metrics
}

// conn is the per-connection state: one socket, one shared encoder, and
// the account bound at handshake time.
type conn struct {
	id      string
	nc      net.Conn
	enc     *wire.Encoder
	account string
}

type request struct {
	head wire.Head
	raw  json.RawMessage
}

type handlerFunc func(c *conn, req *request) (wire.Payload, error)

// Server accepts socket connections and serves the RPC protocol.
type Server struct {
	deps     Deps
	auth     *authenticator
	handlers map[string]handlerFunc

	ln        net.Listener
	startedAt time.Time
	connSeq   atomic.Int64

	mu    sync.Mutex
	conns map[string]net.Conn

	wg sync.WaitGroup
}

// NewServer wires a server over deps.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:  deps,
		auth:  newAuthenticator(deps.Config.TokensDir()),
		conns: make(map[string]net.Conn),
	}
	s.handlers = s.buildHandlers()
	return s
}

// Start binds the socket, removing a stale file from a previous run,
// writes the PID file, and launches the accept loop.
func (s *Server) Start() error {
	path := s.deps.Config.SocketPath()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(s.deps.Config.PIDPath(), []byte(pid+"\n"), 0o644); err != nil {
		ln.Close() //nolint:errcheck
		return fmt.Errorf("write pid file: %w", err)
	}

	s.ln = ln
	s.startedAt = time.Now().UTC()
	s.wg.Add(1)
	go s.acceptLoop()
	slog.Info("RPC server listening", "socket", path, "pid", pid)
	return nil
}

// Stop closes the listener and every live connection, waits for their
// goroutines, and removes the socket and PID files.
func (s *Server) Stop() {
	if s.ln != nil {
		s.ln.Close() //nolint:errcheck
	}
	s.mu.Lock()
	for _, nc := range s.conns {
		nc.Close() //nolint:errcheck
	}
	s.mu.Unlock()
	s.wg.Wait()

	os.Remove(s.deps.Config.SocketPath()) //nolint:errcheck
	os.Remove(s.deps.Config.PIDPath())    //nolint:errcheck
	slog.Info("RPC server stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("Accept failed", "error", err)
			continue
		}

		if max := s.deps.Config.Server.MaxConnections; max > 0 && s.connCount() >= max {
			enc := wire.NewEncoder(nc, s.deps.Config.Server.MaxFrameBytes)
			enc.Encode(wire.Errorf("", wire.KindOverloaded, "too many connections")) //nolint:errcheck
			nc.Close()                                                               //nolint:errcheck
			continue
		}

		s.wg.Add(1)
		go s.serveConn(nc)
	}
}

func (s *Server) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.wg.Done()

	c := &conn{
		id:  fmt.Sprintf("conn-%d", s.connSeq.Add(1)),
		nc:  nc,
		enc: wire.NewEncoder(nc, s.deps.Config.Server.MaxFrameBytes),
	}
	s.mu.Lock()
	s.conns[c.id] = nc
	s.mu.Unlock()

	defer func() {
		s.deps.Registry.RemoveConn(c.id)
		s.updateSubscriptionGauge()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		nc.Close() //nolint:errcheck
		slog.Debug("Connection closed", "conn_id", c.id, "account", c.account)
	}()

	dec := wire.NewDecoder(nc, s.deps.Config.Server.MaxFrameBytes)
	for {
		raw, err := dec.Next()
		if err != nil {
			if errors.Is(err, wire.ErrFrameTooLarge) {
				slog.Warn("Oversize frame, closing connection", "conn_id", c.id)
			} else if !errors.Is(err, io.EOF) {
				slog.Debug("Read loop ended", "conn_id", c.id, "error", err)
			}
			return
		}
		head, err := wire.ParseHead(raw)
		if err != nil || head.Type == "" {
			s.reply(c, wire.Errorf(head.RequestID, wire.KindValidation, "missing frame type"))
			continue
		}

		if c.account == "" {
			if !s.handshake(c, head, raw) {
				return
			}
			continue
		}
		s.dispatch(c, &request{head: head, raw: raw})
	}
}

// handshake processes the mandatory first frame. Returns false when the
// connection must close.
func (s *Server) handshake(c *conn, head wire.Head, raw json.RawMessage) bool {
	if head.Type != wire.TypeAuth {
		s.reply(c, wire.AuthFail{Type: wire.TypeAuthFail, Error: "authentication required", RequestID: head.RequestID})
		return false
	}
	var req wire.AuthRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.reply(c, wire.AuthFail{Type: wire.TypeAuthFail, Error: "Invalid token", RequestID: head.RequestID})
		return false
	}
	if err := s.auth.verify(req.Account, req.Token); err != nil {
		slog.Warn("Auth failed", "conn_id", c.id, "account", req.Account, "error", err)
		s.reply(c, wire.AuthFail{Type: wire.TypeAuthFail, Error: "Invalid token", RequestID: head.RequestID})
		return false
	}

	c.account = req.Account
	if s.deps.Caps != nil {
		if err := s.deps.Caps.Touch(c.account); err != nil {
			slog.Warn("Failed to touch capability record", "account", c.account, "error", err)
		}
	}
	slog.Info("Account authenticated", "conn_id", c.id, "account", c.account)
	s.reply(c, wire.AuthOK{Type: wire.TypeAuthOK, RequestID: head.RequestID})
	return true
}

func (s *Server) dispatch(c *conn, req *request) {
	h, ok := s.handlers[req.head.Type]
	if !ok {
		s.countRequest("unknown", "error")
		s.reply(c, wire.Errorf(req.head.RequestID, wire.KindValidation, "unknown type"))
		return
	}

	payload, err := s.invoke(c, req, h)
	if err != nil {
		s.countRequest(req.head.Type, "error")
		s.reply(c, errorFrame(req.head.RequestID, err))
		return
	}
	s.countRequest(req.head.Type, "ok")
	s.reply(c, wire.Result(req.head.RequestID, payload))
}

// invoke runs one handler with panic containment; a panicking handler
// answers an error frame and the connection lives on.
func (s *Server) invoke(c *conn, req *request, h handlerFunc) (payload wire.Payload, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Handler panicked", "type", req.head.Type, "conn_id", c.id, "panic", rec)
			err = &Error{Kind: wire.KindUnknown, Msg: fmt.Sprintf("internal error: %v", rec)}
		}
	}()
	return h(c, req)
}

func (s *Server) reply(c *conn, frame any) {
	if err := c.enc.Encode(frame); err != nil {
		slog.Debug("Reply write failed", "conn_id", c.id, "error", err)
	}
}

func (s *Server) countRequest(typ, status string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.RPCRequests.WithLabelValues(typ, status).Inc()
	}
}

func (s *Server) updateSubscriptionGauge() {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Subscriptions.Set(float64(s.deps.Registry.Len()))
	}
}

// parse unmarshals the request body into v, mapping failures to a
// validation error.
func parse(req *request, v any) error {
	if err := json.Unmarshal(req.raw, v); err != nil {
		return &Error{Kind: wire.KindValidation, Msg: "malformed request: " + err.Error()}
	}
	return nil
}
