package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"time"

	"github.com/Tyrowin/privchat/internal/wire"
	"go.uber.org/zap"
)

// Server accepts mailbox connections. Each connection carries exactly one
// framed request and one framed response.
type Server struct {
	cfg     Config
	backend Backend
	log     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	wg       sync.WaitGroup
}

// NewServer creates a server storing messages in backend.
func NewServer(cfg Config, backend Backend, log *zap.Logger) *Server {
	return &Server{
		cfg:     sanitizeConfig(cfg),
		backend: backend,
		log:     log,
		conns:   make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve runs the accept loop on l. It always returns a non-nil error;
// ErrServerClosed after Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.log.Info("Mailbox service listening", zap.String("addr", l.Addr().String()))

	var delay time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosing() {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = nextAcceptDelay(delay)
				s.log.Warn("Accept failed, retrying", zap.Error(err), zap.Duration("delay", delay))
				time.Sleep(delay)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		delay = 0

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handleConn(conn)
		}()
	}
}

// Addr returns the listener address once Serve has started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting, lets in-flight requests finish until ctx expires,
// then closes whatever connections remain.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Mailbox service stopped")
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
		<-done
		return ctx.Err()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	remote := conn.RemoteAddr().String()

	if err := conn.SetDeadline(time.Now().Add(s.cfg.IOTimeout)); err != nil {
		s.log.Warn("Setting mailbox connection deadline failed", zap.String("remote", remote), zap.Error(err))
		return
	}

	payload, err := wire.ReadFrame(conn, uint32(s.cfg.MaxFrameSize))
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.log.Warn("Reading mailbox request failed", zap.String("remote", remote), zap.Error(err))
		}
		if errors.Is(err, wire.ErrFrameTooLarge) {
			s.reply(conn, remote, wire.MailboxResponse{Error: err.Error()})
		}
		return
	}

	req, err := wire.DecodeRequest(payload)
	if err != nil {
		s.log.Warn("Malformed mailbox request", zap.String("remote", remote), zap.Error(err))
		s.reply(conn, remote, wire.MailboxResponse{Error: err.Error()})
		return
	}

	s.reply(conn, remote, s.dispatch(req))
}

func (s *Server) dispatch(req wire.MailboxRequest) wire.MailboxResponse {
	switch req.Op {
	case wire.OpStore:
		if !s.fitsAlone(req.Body) {
			s.log.Warn("Message too large to hand back", zap.String("user", req.User), zap.Int("bytes", len(req.Body)))
			return wire.MailboxResponse{Error: "message too large"}
		}
		if err := s.backend.Append(req.RequestID, req.User, req.Body); err != nil {
			s.log.Error("Storing message failed", zap.String("user", req.User), zap.Error(err))
			return wire.MailboxResponse{Error: "store failed"}
		}
		s.log.Debug("Message stored", zap.String("user", req.User), zap.String("request_id", req.RequestID))
		return wire.MailboxResponse{OK: true}
	case wire.OpFetch:
		budget := s.cfg.MaxFrameSize
		if req.MaxBytes > 0 && int(req.MaxBytes) < budget {
			budget = int(req.MaxBytes)
		}
		pending, more, err := s.backend.Fetch(req.User, budget)
		if err != nil {
			s.log.Error("Fetching mailbox failed", zap.String("user", req.User), zap.Error(err))
			return wire.MailboxResponse{Error: "fetch failed"}
		}
		resp := fitPage(pending, more, budget)
		s.log.Debug("Mailbox fetched",
			zap.String("user", req.User), zap.Int("count", len(resp.Messages)), zap.Bool("more", resp.More))
		return resp
	case wire.OpAck:
		removed, err := s.backend.Ack(req.User, req.Through)
		if err != nil {
			s.log.Error("Acknowledging mailbox failed", zap.String("user", req.User), zap.Error(err))
			return wire.MailboxResponse{Error: "ack failed"}
		}
		s.log.Debug("Mailbox acknowledged",
			zap.String("user", req.User), zap.Uint64("through", req.Through), zap.Int("removed", removed))
		return wire.MailboxResponse{OK: true}
	default:
		return wire.MailboxResponse{Error: fmt.Sprintf("unknown op %q", req.Op)}
	}
}

// fitsAlone reports whether a fetch response carrying only body fits in a
// frame, so a queued message can always be handed back.
func (s *Server) fitsAlone(body string) bool {
	data, err := wire.EncodeResponse(wire.MailboxResponse{
		OK:       true,
		Messages: []string{body},
		Through:  math.MaxUint64,
		More:     true,
	})
	return err == nil && len(data) <= s.cfg.MaxFrameSize
}

// fitPage builds the fetch response for pending, halving the page until its
// encoding fits in budget. JSON escaping can make the encoded page larger
// than the raw bodies the backend measured.
func fitPage(pending []Pending, more bool, budget int) wire.MailboxResponse {
	for {
		resp := wire.MailboxResponse{OK: true, More: more}
		for _, p := range pending {
			resp.Messages = append(resp.Messages, p.Body)
		}
		if len(pending) > 0 {
			resp.Through = pending[len(pending)-1].Seq
		}
		if len(pending) <= 1 {
			return resp
		}
		data, err := wire.EncodeResponse(resp)
		if err == nil && len(data) <= budget {
			return resp
		}
		pending = pending[:len(pending)/2]
		more = true
	}
}

func (s *Server) reply(conn net.Conn, remote string, resp wire.MailboxResponse) {
	data, err := wire.EncodeResponse(resp)
	if err != nil {
		s.log.Error("Encoding mailbox response failed", zap.Error(err))
		return
	}
	if err := wire.WriteFrame(conn, data); err != nil {
		s.log.Warn("Writing mailbox response failed", zap.String("remote", remote), zap.Error(err))
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
