package ingest

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"authguard/internal/config"
	"authguard/internal/schema"
)

// Configuration errors for the DTLS listener.
var (
	ErrDTLSCertRequired       = errors.New("ingest: DTLS requires certificate and key")
	ErrDTLSClientCertRequired = errors.New("ingest: mutual TLS requires CA certificate")
)

// Submitter is where validated events go. The dispatcher implements it.
type Submitter interface {
	Submit(event *schema.LoginEvent) error
}

// DTLSServer receives JSON login events over DTLS (secure UDP) from
// log-shipping agents. With allow_insecure it falls back to plain UDP.
type DTLSServer struct {
	config    config.DTLSConfig
	validator *schema.Validator
	submitter Submitter
	logger    *slog.Logger

	listener net.Listener
	udpConn  *net.UDPConn

	wg   sync.WaitGroup
	done chan struct{}

	connections   uint64
	handshakeErrs uint64
	received      uint64
	submitted     uint64
	rejected      uint64
}

// NewDTLSServer creates the listener. It refuses to construct without
// certificates unless allow_insecure is set.
func NewDTLSServer(cfg config.DTLSConfig, validator *schema.Validator, submitter Submitter, logger *slog.Logger) (*DTLSServer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if !cfg.AllowInsecure && (cfg.CertFile == "" || cfg.KeyFile == "") {
		return nil, ErrDTLSCertRequired
	}
	if cfg.RequireClientCert && cfg.CAFile == "" {
		return nil, ErrDTLSClientCertRequired
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 65535
	}

	return &DTLSServer{
		config:    cfg,
		validator: validator,
		submitter: submitter,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting datagrams.
func (s *DTLSServer) Start(ctx context.Context) error {
	if s.config.AllowInsecure && (s.config.CertFile == "" || s.config.KeyFile == "") {
		return s.startInsecure(ctx)
	}
	return s.startSecure(ctx)
}

func (s *DTLSServer) startSecure(ctx context.Context) error {
	cert, err := tls.LoadX509KeyPair(s.config.CertFile, s.config.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load DTLS certificate: %w", err)
	}

	dtlsConfig := &dtls.Config{
		Certificates:         []tls.Certificate{cert},
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.ConnectionTimeout)
		},
	}

	if s.config.RequireClientCert {
		caData, err := os.ReadFile(s.config.CAFile)
		if err != nil {
			return fmt.Errorf("failed to load CA certificate: %w", err)
		}
		caPool := x509.NewCertPool()
		if !caPool.AppendCertsFromPEM(caData) {
			return errors.New("failed to parse CA certificate")
		}
		dtlsConfig.ClientCAs = caPool
		dtlsConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	listener, err := dtls.Listen("udp", addr, dtlsConfig)
	if err != nil {
		return fmt.Errorf("failed to start DTLS listener: %w", err)
	}
	s.listener = listener

	s.logger.Info("DTLS listener started",
		"address", s.config.Address,
		"mutual_tls", s.config.RequireClientCert,
	)

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

func (s *DTLSServer) startInsecure(ctx context.Context) error {
	s.logger.Warn("starting UDP listener WITHOUT encryption; use DTLS certificates in production",
		"address", s.config.Address,
	)

	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to start UDP listener: %w", err)
	}
	s.udpConn = conn

	messages := make(chan []byte, s.config.Workers*100)
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(messages)
	}

	s.wg.Add(1)
	go s.insecureReceiver(messages)

	return nil
}

func (s *DTLSServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	messages := make(chan []byte, s.config.Workers*100)

	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(messages)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		if dl, ok := s.listener.(interface{ SetDeadline(time.Time) error }); ok {
			dl.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("DTLS accept error", "error", err)
				atomic.AddUint64(&s.handshakeErrs, 1)
				continue
			}
		}

		atomic.AddUint64(&s.connections, 1)

		s.wg.Add(1)
		go s.handleConnection(ctx, conn, messages)
	}
}

func (s *DTLSServer) handleConnection(ctx context.Context, conn net.Conn, messages chan<- []byte) {
	defer s.wg.Done()
	defer conn.Close()

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		n, err := conn.Read(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.logger.Debug("DTLS connection idle timeout", "remote", conn.RemoteAddr())
			}
			return
		}

		atomic.AddUint64(&s.received, 1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case messages <- data:
		default:
			atomic.AddUint64(&s.rejected, 1)
		}
	}
}

func (s *DTLSServer) insecureReceiver(messages chan<- []byte) {
	defer s.wg.Done()
	defer close(messages)

	buffer := make([]byte, s.config.MaxMessageSize)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		s.udpConn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

		n, _, err := s.udpConn.ReadFromUDP(buffer)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.done:
				return
			default:
				s.logger.Debug("UDP read error", "error", err)
				continue
			}
		}

		atomic.AddUint64(&s.received, 1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case messages <- data:
		default:
			atomic.AddUint64(&s.rejected, 1)
		}
	}
}

func (s *DTLSServer) worker(messages <-chan []byte) {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case data, ok := <-messages:
			if !ok {
				return
			}
			s.processDatagram(data)
		}
	}
}

// processDatagram decodes one JSON login event, validates it, and hands
// it to the dispatcher.
func (s *DTLSServer) processDatagram(data []byte) {
	event, err := DecodeEvent(data)
	if err != nil {
		atomic.AddUint64(&s.rejected, 1)
		s.logger.Debug("datagram decode error", "error", err)
		return
	}

	if err := s.validator.Validate(event); err != nil {
		atomic.AddUint64(&s.rejected, 1)
		s.logger.Debug("datagram validation error", "error", err, "ip", event.SourceIP)
		return
	}

	if err := s.submitter.Submit(event); err != nil {
		atomic.AddUint64(&s.rejected, 1)
		return
	}

	atomic.AddUint64(&s.submitted, 1)
}

// DecodeEvent parses a JSON login event and fills boundary-assigned
// fields the same way the HTTP path does.
func DecodeEvent(data []byte) (*schema.LoginEvent, error) {
	var input EventInput
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("invalid event JSON: %w", err)
	}
	return input.toEvent(), nil
}

// Stop shuts the listener down and waits for workers.
func (s *DTLSServer) Stop() {
	close(s.done)

	if s.listener != nil {
		s.listener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}

	s.wg.Wait()

	s.logger.Info("DTLS listener stopped",
		"connections", atomic.LoadUint64(&s.connections),
		"received", atomic.LoadUint64(&s.received),
		"submitted", atomic.LoadUint64(&s.submitted),
		"rejected", atomic.LoadUint64(&s.rejected),
	)
}

// Metrics returns listener counters.
func (s *DTLSServer) Metrics() DTLSMetrics {
	return DTLSMetrics{
		Connections:   atomic.LoadUint64(&s.connections),
		HandshakeErrs: atomic.LoadUint64(&s.handshakeErrs),
		Received:      atomic.LoadUint64(&s.received),
		Submitted:     atomic.LoadUint64(&s.submitted),
		Rejected:      atomic.LoadUint64(&s.rejected),
	}
}

// DTLSMetrics holds DTLS listener statistics.
type DTLSMetrics struct {
	Connections   uint64 `json:"connections"`
	HandshakeErrs uint64 `json:"handshake_errors"`
	Received      uint64 `json:"received"`
	Submitted     uint64 `json:"submitted"`
	Rejected      uint64 `json:"rejected"`
}
