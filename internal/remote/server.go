package remote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"hostbridge/cli/internal/bridge"
	"hostbridge/cli/internal/logging"
	"hostbridge/cli/internal/protocol"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	Path            = "/ws"
	writeTimeout    = 5 * time.Second
	shutdownTimeout = 3 * time.Second
)

type Options struct {
	Bridge         *bridge.Bridge
	RequestTimeout time.Duration
	Logger         *slog.Logger
}

type peer struct {
	id   string
	sock Socket
}

// Server exposes the tui side of a bridge at /ws to a single client.
type Server struct {
	bridge  *bridge.Bridge
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	active *peer
}

func NewServer(opts Options) *Server {
	return &Server{
		bridge:  opts.Bridge,
		timeout: opts.RequestTimeout,
		logger:  logging.OrDiscard(opts.Logger),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(Path, s)
	return mux
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.Connected() {
		http.Error(w, "a client is already attached", http.StatusConflict)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(readLimitBytes)
	p := &peer{id: "conn_" + uuid.NewString()[:8], sock: &wsSocket{conn: conn}}
	if !s.attach(p) {
		_ = conn.Close(websocket.StatusTryAgainLater, "a client is already attached")
		return
	}
	defer s.detach(p)
	s.logger.Info("remote client attached", "conn", p.id, "remote_addr", r.RemoteAddr)
	if err := s.Serve(r.Context(), p.sock); err != nil {
		s.logger.Warn("remote client read failed", "conn", p.id, "err", err)
	}
	s.logger.Info("remote client detached", "conn", p.id)
}

// Attach serves sock as the attached client until it closes. It fails when
// another client is attached.
func (s *Server) Attach(ctx context.Context, sock Socket) error {
	p := &peer{id: "conn_" + uuid.NewString()[:8], sock: sock}
	if !s.attach(p) {
		return errors.New("remote: a client is already attached")
	}
	defer s.detach(p)
	return s.Serve(ctx, sock)
}

func (s *Server) attach(p *peer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		return false
	}
	s.active = p
	return true
}

func (s *Server) detach(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == p {
		s.active = nil
	}
}

func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Serve reads client frames from sock. Requests are answered in arrival
// order so that they stay ordered with the client's events.
func (s *Server) Serve(ctx context.Context, sock Socket) error {
	for {
		text, err := sock.ReadText(ctx)
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return err
		}
		env, err := protocol.DecodeFrame([]byte(text))
		if err != nil {
			s.logger.Warn("remote frame rejected", "err", err)
			continue
		}
		if env.Channel != protocol.ChannelExtension {
			s.logger.Warn("remote frame for wrong channel dropped", "channel", env.Channel)
			continue
		}
		switch env.Kind {
		case protocol.KindEvent:
			if err := s.bridge.SendEvent(protocol.ChannelExtension, env.Payload); err != nil {
				s.logger.Warn("remote event not delivered", "err", err)
			}
		case protocol.KindRequest:
			s.write(ctx, sock, s.forward(ctx, env))
		default:
			s.logger.Debug("remote frame ignored", "kind", env.Kind)
		}
	}
}

func (s *Server) forward(ctx context.Context, env protocol.Envelope) protocol.Envelope {
	out := protocol.Envelope{Channel: protocol.ChannelTUI, Kind: protocol.KindResponse, CorrelationID: env.ID}
	resp, err := s.bridge.Forward(ctx, env, s.timeout)
	var payloadErr *protocol.ErrPayload
	switch {
	case err == nil:
		out.Payload = resp.Payload
	case errors.As(err, &payloadErr):
		out.Error = payloadErr
	case errors.Is(err, bridge.ErrTimeout):
		out.Error = &protocol.ErrPayload{Code: protocol.CodeTimeout, Message: err.Error()}
	default:
		out.Error = &protocol.ErrPayload{Code: protocol.CodeBadPayload, Message: err.Error()}
	}
	return out
}

func (s *Server) write(ctx context.Context, sock Socket, env protocol.Envelope) {
	raw, err := protocol.EncodeFrame(env)
	if err != nil {
		s.logger.Error("remote frame encode failed", "err", err)
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := sock.WriteText(wctx, string(raw)); err != nil {
		s.logger.Warn("remote write failed", "kind", env.Kind, "err", err)
	}
}

// Run delivers tui events from in to the attached client. Events that
// arrive with no client attached are dropped.
func (s *Server) Run(ctx context.Context, in <-chan protocol.Envelope) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-in:
			if !ok {
				return nil
			}
			if env.Kind != protocol.KindEvent {
				continue
			}
			s.mu.Lock()
			p := s.active
			s.mu.Unlock()
			if p == nil {
				s.logger.Debug("tui event dropped, no client attached", "type", protocol.PayloadType(env.Payload))
				continue
			}
			s.write(ctx, p.sock, env)
		}
	}
}

// ListenAndServe serves the websocket endpoint on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Hijacked websocket connections outlive Shutdown; tie them to ctx.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	s.logger.Info("remote server listening", "addr", ln.Addr().String())
	err := httpServer.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func isClosed(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, io.EOF) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}
