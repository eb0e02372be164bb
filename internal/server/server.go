// Package server implements the TCP dispatcher of the record store.
// Each accepted connection carries exactly one request/response
// exchange: one line of JSON-encoded SecureMessage in, one line out.
// Connections are handled concurrently and share no state beyond the
// access gate, the backend and the journal.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"ledgerstore/internal/access"
	"ledgerstore/internal/journal"
	"ledgerstore/internal/models"
	"ledgerstore/internal/protocol"
	"ledgerstore/internal/registry"
	"ledgerstore/internal/secure"
	"ledgerstore/internal/storage"
)

// DefaultTimeout bounds how long a single request may block on reading
// or writing; a stalled client must not pin a worker indefinitely.
const DefaultTimeout = 30 * time.Second

// Params collects the dependencies of a Server.
type Params struct {
	// Addr is the TCP listen address (host:port).
	Addr string
	// Gate authenticates envelopes and answers access questions.
	Gate *access.Gate
	// Codec encrypts responses.
	Codec *secure.Codec
	// Backend is the persistence engine.
	Backend storage.Backend
	// Journal receives one change record per successful PUT.
	Journal *journal.Journal
	// Registry is the closed set of supported record types.
	Registry *registry.Registry
	// Log receives the audit trail of allow/deny decisions.
	Log *zap.Logger
	// ReadTimeout and WriteTimeout default to DefaultTimeout when zero.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server accepts connections and routes decrypted requests to the
// backend and the journal.
type Server struct {
	addr         string
	gate         *access.Gate
	codec        *secure.Codec
	backend      storage.Backend
	journal      *journal.Journal
	registry     *registry.Registry
	log          *zap.Logger
	readTimeout  time.Duration
	writeTimeout time.Duration

	ln net.Listener
}

// New creates a Server from its dependencies.
func New(p Params) *Server {
	if p.ReadTimeout <= 0 {
		p.ReadTimeout = DefaultTimeout
	}
	if p.WriteTimeout <= 0 {
		p.WriteTimeout = DefaultTimeout
	}
	return &Server{
		addr:         p.Addr,
		gate:         p.Gate,
		codec:        p.Codec,
		backend:      p.Backend,
		journal:      p.Journal,
		registry:     p.Registry,
		log:          p.Log,
		readTimeout:  p.ReadTimeout,
		writeTimeout: p.WriteTimeout,
	}
}

// Listen binds the TCP listener without serving yet, so tests can learn
// the bound address before issuing requests.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Serve accepts connections until ctx is cancelled, handling each one
// in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// Run binds the listener and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.log.Info("store server listening", zap.String("addr", s.Addr()))
	return s.Serve(ctx)
}

// handleConn runs one request/response exchange. A failure before the
// sender's password is confirmed is answered with a clear-text generic
// code, since no response encryption is possible.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		s.log.Debug("read request", zap.Error(err))
		return
	}

	var msg models.SecureMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		s.log.Warn("malformed envelope", zap.Error(err))
		s.writeLine(conn, []byte(protocol.StatusUnauthorized))
		return
	}

	plaintext, profile, err := s.gate.DecryptRequest(ctx, &msg)
	if err != nil {
		if !errors.Is(err, access.ErrUnauthorized) {
			s.log.Error("credential lookup failed", zap.String("user", msg.Username), zap.Error(err))
		}
		s.writeLine(conn, []byte(protocol.StatusUnauthorized))
		return
	}

	salt, err := secure.DecodeSalt(&msg)
	if err != nil {
		s.writeLine(conn, []byte(protocol.StatusUnauthorized))
		return
	}

	parts := protocol.Split(string(plaintext))
	verb, args := parts[0], parts[1:]
	resp := s.dispatch(ctx, profile, verb, args)

	// Reuse the request salt so the response key comes from the codec's
	// derived-key cache.
	env, err := s.codec.Encrypt(profile.Username, []byte(resp), profile.PasswordHash, salt, msg.UsesExtendedKeyLength)
	if err != nil {
		s.log.Error("encrypt response", zap.String("user", profile.Username), zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		s.log.Error("encode response", zap.Error(err))
		return
	}
	s.writeLine(conn, data)
}

func (s *Server) writeLine(conn net.Conn, data []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.log.Debug("write response", zap.Error(err))
	}
}
