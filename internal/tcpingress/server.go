// Package tcpingress is the TCP ingress transport (C9): a length-prefixed
// framed protocol with optional TLS/mTLS, a POLL fast path that bypasses
// the task queue entirely, and per-connection response routing. Framing
// and POLL semantics are grounded on the original RemoteTaskManager;
// TLS/mTLS configuration follows the teacher's client-side TLS
// construction in internal/transport/streamable_http.go, adapted from
// dial-side to listen-side.
package tcpingress

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/lateofrederick/volnux/internal/codec"
	"github.com/lateofrederick/volnux/internal/taskmanager"
)

// TLSConfig configures optional server-side TLS and mutual TLS.
type TLSConfig struct {
	CertPath        string
	KeyPath         string
	CACertsPath     string
	RequireClientCert bool
}

// BuildTLSConfig constructs a *tls.Config the way the server binds it,
// returning nil (plaintext) if CertPath/KeyPath are empty.
func BuildTLSConfig(cfg TLSConfig, logger *slog.Logger) (*tls.Config, error) {
	if cfg.CertPath == "" || cfg.KeyPath == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("tcpingress: load server cert: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if cfg.CACertsPath != "" {
		pem, err := os.ReadFile(cfg.CACertsPath)
		if err != nil {
			return nil, fmt.Errorf("tcpingress: read ca certs: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tcpingress: no valid CA certs found in %s", cfg.CACertsPath)
		}
		tlsCfg.ClientCAs = pool
		if cfg.RequireClientCert {
			tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			tlsCfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	} else if cfg.RequireClientCert {
		logger.Warn("tls_client_cert_required_without_ca", "detail", "RequireClientCert set but no CACertsPath provided")
	}

	return tlsCfg, nil
}

// Server accepts framed task submissions over TCP (optionally TLS) and
// dispatches them to a shared *taskmanager.Manager.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	manager   *taskmanager.Manager
	secret    []byte
	logger    *slog.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// New returns a Server bound to addr. manager.SetResponder(s) should be
// called by the caller so routed responses reach this transport's
// connections.
func New(addr string, tlsConfig *tls.Config, manager *taskmanager.Manager, secret []byte, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, tlsConfig: tlsConfig, manager: manager, secret: secret, logger: logger}
}

// Listen binds the configured address, making Addr() valid. Serve calls
// this itself if the listener isn't already bound, but callers that need
// the resolved address before accepting (e.g. when addr ends in ":0")
// can call it directly first.
func (s *Server) Listen() error {
	if s.ln != nil {
		return nil
	}
	var ln net.Listener
	var err error
	if s.tlsConfig != nil {
		ln, err = tls.Listen("tcp", s.addr, s.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", s.addr)
	}
	if err != nil {
		return fmt.Errorf("tcpingress: listen: %w", err)
	}
	s.ln = ln
	return nil
}

// Addr returns the bound listener's address. Valid only after Listen (or
// Serve) has run.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve binds the listener (if not already bound via Listen) and accepts
// connections until ctx is canceled.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	ln := s.ln

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return nil
			default:
				s.logger.Error("tcp_accept_failed", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// connWriter serializes writes to one client connection, the Go analogue
// of stashing an asyncio StreamWriter in client_context.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) writeFrame(frame []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(frame)))
	if _, err := w.conn.Write(header[:]); err != nil {
		return err
	}
	_, err := w.conn.Write(frame)
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	writer := &connWriter{conn: conn}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		payload, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("tcp_connection_closed", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		_, msg, isTaskMessage, err := codec.DecodeTaskMessage(payload, s.secret)
		if err != nil {
			s.sendError(writer, err)
			s.logger.Warn("tcp_frame_rejected", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		if !isTaskMessage {
			s.logger.Warn("invalid_message_received", "remote", conn.RemoteAddr())
			continue
		}

		if msg.Event == "POLL" {
			s.handlePoll(writer, msg)
			continue
		}

		correlationID := ""
		if msg.CorrelationID != nil {
			correlationID = *msg.CorrelationID
		}
		if _, err := s.manager.HandleTask(ctx, msg.Event, msg.Args, correlationID, taskmanager.ProtocolTCP, writer); err != nil {
			s.sendError(writer, err)
		}
	}
}

func (s *Server) handlePoll(writer *connWriter, msg *codec.TaskMessage) {
	taskID, _ := msg.Args["task_id"].(string)
	if taskID == "" {
		return
	}

	status, data := s.manager.Poll(taskID)
	var response map[string]any
	if status == "completed" {
		response = data
	} else {
		wireStatus := "NOT_FOUND"
		if status == "pending" {
			wireStatus = "PENDING"
		}
		response = map[string]any{"correlation_id": taskID, "status": wireStatus}
	}

	frame, err := codec.Encode(response, s.secret)
	if err != nil {
		s.logger.Error("poll_response_encode_failed", "error", err)
		return
	}
	if err := writer.writeFrame(frame); err != nil {
		s.logger.Error("poll_response_write_failed", "error", err)
	}
}

func (s *Server) sendError(writer *connWriter, cause error) {
	payload := map[string]any{
		"status":  "error",
		"code":    "PROCESSING_ERROR",
		"message": cause.Error(),
	}
	frame, err := codec.Encode(payload, s.secret)
	if err != nil {
		return
	}
	_ = writer.writeFrame(frame)
}

// RouteResponse implements taskmanager.Responder: clientContext is the
// *connWriter stashed in HandleTask's client_context argument.
func (s *Server) RouteResponse(protocol taskmanager.Protocol, clientContext any, result map[string]any) error {
	if protocol != taskmanager.ProtocolTCP {
		return errors.New("tcpingress: not a tcp task")
	}
	writer, ok := clientContext.(*connWriter)
	if !ok || writer == nil {
		return errors.New("tcpingress: missing client writer")
	}

	frame, err := codec.Encode(result, s.secret)
	if err != nil {
		return fmt.Errorf("tcpingress: encode response: %w", err)
	}
	return writer.writeFrame(frame)
}

func readFrame(conn net.Conn) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
