// Package server runs the accept loop of a registration server: it listens on
// every resolved address and hands connections to a registration handler
// strictly one at a time.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	otlp_util "github.com/bluexlab/otlp-util-go"
	"github.com/openebl/idsreg/pkg/config"
	"github.com/openebl/idsreg/pkg/model"
	"github.com/openebl/idsreg/pkg/registration"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxListeners = 128

	acceptBackoff = 100 * time.Millisecond
)

type Handler interface {
	Handle(ctx context.Context, conn net.Conn) (registration.Result, error)
}

type HandlerFunc func(ctx context.Context, conn net.Conn) (registration.Result, error)

func (f HandlerFunc) Handle(ctx context.Context, conn net.Conn) (registration.Result, error) {
	return f(ctx, conn)
}

type Server struct {
	listenAddress string
	port          int
	keepalive     bool
	maxListeners  int
	handler       Handler
	limiter       *rate.Limiter

	listeners []net.Listener

	acceptedCount metric.Int64Counter
	rejectedCount metric.Int64Counter
	failedCount   metric.Int64Counter
}

type ServerOption func(s *Server)

// WithListenAddress sets the host to bind. Empty binds every local address.
func WithListenAddress(address string) ServerOption {
	return func(s *Server) {
		s.listenAddress = address
	}
}

func WithPort(port int) ServerOption {
	return func(s *Server) {
		s.port = port
	}
}

// WithKeepalive keeps serving after a successful registration. Without it the
// server stops at the first success.
func WithKeepalive(keepalive bool) ServerOption {
	return func(s *Server) {
		s.keepalive = keepalive
	}
}

func WithHandler(handler Handler) ServerOption {
	return func(s *Server) {
		s.handler = handler
	}
}

// WithFailureLimiter throttles the loop after failed authentications.
func WithFailureLimiter(limiter *rate.Limiter) ServerOption {
	return func(s *Server) {
		s.limiter = limiter
	}
}

func WithMaxListeners(max int) ServerOption {
	return func(s *Server) {
		s.maxListeners = max
	}
}

func NewServer(options ...ServerOption) (*Server, error) {
	defaults := config.Default().Server
	s := &Server{
		port:          defaults.Port,
		maxListeners:  DefaultMaxListeners,
		limiter:       rate.NewLimiter(rate.Every(defaults.FailedAuthInterval), defaults.FailedAuthBurst),
		acceptedCount: otlp_util.NewInt64Counter("idsreg.registration.accepted.count", metric.WithDescription("The total number of registrations signed by the server")),
		rejectedCount: otlp_util.NewInt64Counter("idsreg.registration.rejected.count", metric.WithDescription("The total number of registrations declined by the operator")),
		failedCount:   otlp_util.NewInt64Counter("idsreg.registration.failed.count", metric.WithDescription("The total number of registration attempts that failed")),
	}
	for _, option := range options {
		option(s)
	}

	if s.handler == nil {
		return nil, fmt.Errorf("registration handler is required: %w", model.ErrInvalidParameter)
	}
	if s.port < 0 || s.port > 65535 {
		return nil, fmt.Errorf("invalid port %d: %w", s.port, model.ErrInvalidParameter)
	}
	if s.maxListeners <= 0 {
		s.maxListeners = DefaultMaxListeners
	}
	return s, nil
}

// Listen resolves the listen address and binds each resulting address.
func (s *Server) Listen(ctx context.Context) error {
	hosts, err := s.resolve(ctx)
	if err != nil {
		return err
	}

	lc := net.ListenConfig{}
	port := strconv.Itoa(s.port)
	for _, host := range hosts {
		address := net.JoinHostPort(host, port)
		l, err := lc.Listen(ctx, "tcp", address)
		if err != nil {
			// A wildcard IPv6 socket may already cover IPv4.
			if len(s.listeners) > 0 && errors.Is(err, syscall.EADDRINUSE) {
				logrus.Debugf("skipping %s: %v", address, err)
				continue
			}
			s.closeListeners()
			return fmt.Errorf("fail to listen on %s: %s: %w", address, err.Error(), model.ErrTransport)
		}
		logrus.Infof("registration server listening on %s", l.Addr())
		s.listeners = append(s.listeners, l)
	}
	return nil
}

func (s *Server) resolve(ctx context.Context) ([]string, error) {
	if s.listenAddress == "" {
		return []string{""}, nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, s.listenAddress)
	if err != nil {
		return nil, fmt.Errorf("fail to resolve %s: %s: %w", s.listenAddress, err.Error(), model.ErrTransport)
	}
	hosts := lo.Uniq(lo.Map(addrs, func(addr net.IPAddr, _ int) string { return addr.String() }))
	if len(hosts) > s.maxListeners {
		logrus.Warnf("%s resolves to %d addresses, binding only the first %d", s.listenAddress, len(hosts), s.maxListeners)
		hosts = hosts[:s.maxListeners]
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%s resolves to no address: %w", s.listenAddress, model.ErrTransport)
	}
	return hosts, nil
}

// Addrs returns the bound addresses.
func (s *Server) Addrs() []net.Addr {
	return lo.Map(s.listeners, func(l net.Listener, _ int) net.Addr { return l.Addr() })
}

// Serve processes connections one at a time until a registration succeeds, or
// until ctx is done when the server runs with keepalive. Failed attempts never
// stop the loop. Listeners are closed on return.
func (s *Server) Serve(ctx context.Context) error {
	if len(s.listeners) == 0 {
		return fmt.Errorf("server is not listening: %w", model.ErrInvalidParameter)
	}

	ctx, cancel := context.WithCancel(ctx)
	conns := make(chan net.Conn)
	wg := sync.WaitGroup{}
	for _, l := range s.listeners {
		wg.Add(1)
		go func(l net.Listener) {
			defer wg.Done()
			s.accept(ctx, l, conns)
		}(l)
	}
	defer func() {
		cancel()
		s.closeListeners()
		wg.Wait()
	}()

	lastFailed := false
	for first := true; first || s.keepalive || lastFailed; first = false {
		var conn net.Conn
		select {
		case <-ctx.Done():
			return ctx.Err()
		case conn = <-conns:
		}

		err := s.handle(ctx, conn)
		lastFailed = err != nil
		if errors.Is(err, model.ErrAuthentication) || errors.Is(err, model.ErrHandshake) {
			if err := s.limiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
		}
	}
	return nil
}

func (s *Server) accept(ctx context.Context, l net.Listener, conns chan<- net.Conn) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.Warnf("accept on %s: %v", l.Addr(), err)
			time.Sleep(acceptBackoff)
			continue
		}

		select {
		case conns <- conn:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) error {
	peer := conn.RemoteAddr().String()
	ctx, span := otlp_util.Start(ctx, "registration/server.Handle",
		trace.WithAttributes(attribute.String("peer", peer)),
	)
	defer span.End()

	logrus.Infof("connection from %s", peer)
	result, err := s.handler.Handle(ctx, conn)

	attrs := metric.WithAttributes(attribute.String("peer", peer))
	span.SetAttributes(attribute.String("analyzer_id", result.AnalyzerID.String()))
	switch {
	case err == nil:
		s.acceptedCount.Add(ctx, 1, attrs)
	case errors.Is(err, model.ErrRejected):
		s.rejectedCount.Add(ctx, 1, attrs)
		logrus.Infof("registration from %s rejected: %v", peer, err)
	default:
		s.failedCount.Add(ctx, 1, attrs)
		span.SetStatus(codes.Error, err.Error())
		logrus.Warnf("registration from %s failed: %v", peer, err)
	}
	return err
}

// Close releases the listeners of a server that will not Serve.
func (s *Server) Close() error {
	s.closeListeners()
	return nil
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		_ = l.Close()
	}
	s.listeners = nil
}
