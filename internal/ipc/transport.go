package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"github.com/google/uuid"

	"tomato/internal/logging"
)

const defaultCallTimeout = 5 * time.Second

// Server exposes one RPC service over loopback TCP.
type Server struct {
	name      string
	logger    *slog.Logger
	listener  net.Listener
	rpcServer *rpc.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer listens on addr and registers rcvr under name. Use port 0 for an
// ephemeral port.
func NewServer(ctx context.Context, addr, name string, rcvr any, logger *slog.Logger) (*Server, error) {
	if rcvr == nil {
		return nil, errors.New("ipc server requires a service")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(name, rcvr); err != nil {
		return nil, fmt.Errorf("register rpc service: %w", err)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	serverCtx, cancel := context.WithCancel(ctx)
	return &Server{
		name:      name,
		logger:    logging.NewComponentLogger(logger, "ipc"),
		listener:  listener,
		rpcServer: rpcServer,
		ctx:       serverCtx,
		cancel:    cancel,
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Serve starts accepting RPC connections until the context is canceled.
func (s *Server) Serve() {
	s.logger.Debug("IPC server listening", logging.String("service", s.name), logging.String("addr", s.Addr()))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logging.WarnWithContext(s.logger, "accept failed", "ipc_accept_failed",
					logging.Error(err),
					logging.String(logging.FieldImpact, "IPC clients may fail to connect"),
					logging.String(logging.FieldErrorHint, "restart the process if this repeats"))
				continue
			}
			s.wg.Add(1)
			go func(c net.Conn) {
				defer s.wg.Done()
				go func() {
					<-s.ctx.Done()
					_ = c.Close()
				}()
				s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(c))
			}(conn)
		}
	}()
}

// Close stops the server and waits for open connections.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

// conn is a lazily dialed RPC connection that redials after failures.
type conn struct {
	addr    string
	service string
	timeout time.Duration

	mu     sync.Mutex
	client *rpc.Client
}

func newConn(addr, service string, timeout time.Duration) *conn {
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &conn{addr: addr, service: service, timeout: timeout}
}

func (c *conn) get() (*rpc.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	netConn, err := net.DialTimeout("tcp", c.addr, 2*time.Second)
	if err != nil {
		return nil, err
	}
	c.client = rpc.NewClientWithCodec(jsonrpc.NewClientCodec(netConn))
	return c.client, nil
}

func (c *conn) drop(client *rpc.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == client {
		_ = c.client.Close()
		c.client = nil
	}
}

// call invokes method and waits for the reply, the call timeout or ctx. A
// refused reply is returned as a *RemoteError.
func (c *conn) call(ctx context.Context, method string, req any, resp Failed) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := c.get()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	pending := client.Go(c.service+"."+method, req, resp, make(chan *rpc.Call, 1))
	select {
	case done := <-pending.Done:
		if done.Error != nil {
			if isBroken(done.Error) {
				c.drop(client)
			}
			return fmt.Errorf("%s.%s: %w", c.service, method, done.Error)
		}
		return resp.Err()
	case <-timer.C:
		c.drop(client)
		return fmt.Errorf("%s.%s: timed out after %s", c.service, method, c.timeout)
	case <-ctx.Done():
		c.drop(client)
		return ctx.Err()
	}
}

func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

func isBroken(err error) bool {
	return errors.Is(err, rpc.ErrShutdown) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// NewCorrelationID returns a fresh request correlation id.
func NewCorrelationID() string { return uuid.NewString() }
