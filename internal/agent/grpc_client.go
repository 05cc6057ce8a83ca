package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/deskmate/internal/question"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service the backend exposes.
const ServiceName = "deskmate.agent.v1.Agent"

const (
	methodQuery          = "/" + ServiceName + "/Query"
	methodInterrupt      = "/" + ServiceName + "/Interrupt"
	methodServerInfo     = "/" + ServiceName + "/ServerInfo"
	methodAnswerQuestion = "/" + ServiceName + "/AnswerQuestion"
	methodReset          = "/" + ServiceName + "/Reset"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
	errNotServing               = errors.New("agent backend not serving")
)

var queryStreamDesc = &grpc.StreamDesc{
	StreamName:    "Query",
	ServerStreams: true,
}

// GrpcClientConfig holds configuration for the gRPC client.
type GrpcClientConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// Model is the initial backend tier; empty lets the backend choose.
	Model string
	// DialOptions are appended after the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGrpcClientConfig returns default configuration for addr.
func DefaultGrpcClientConfig(addr string) GrpcClientConfig {
	return GrpcClientConfig{
		Address:          addr,
		ConnectTimeout:   10 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcClient is a Client speaking to the agent backend over gRPC. Payloads
// are structpb.Struct values so no generated stubs are needed.
type GrpcClient struct {
	cfg    GrpcClientConfig
	logger *slog.Logger

	mu           sync.Mutex
	conn         *grpc.ClientConn
	stream       grpc.ClientStream
	cancelStream context.CancelFunc
	sessionID    string
	model        string
}

var (
	_ Client            = (*GrpcClient)(nil)
	_ HealthReporter    = (*GrpcClient)(nil)
	_ StateResetter     = (*GrpcClient)(nil)
	_ ModelSwitcher     = (*GrpcClient)(nil)
	_ QuestionResponder = (*GrpcClient)(nil)
)

// NewGrpcClient creates an unconnected client.
func NewGrpcClient(cfg GrpcClientConfig, logger *slog.Logger) *GrpcClient {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &GrpcClient{
		cfg:    cfg,
		logger: logger.With("component", "agent_client", "address", cfg.Address),
		model:  cfg.Model,
	}
}

// NewGrpcFactory returns a Factory producing GrpcClients for cfg.
func NewGrpcFactory(cfg GrpcClientConfig, logger *slog.Logger) Factory {
	return func() (Client, error) {
		if cfg.Address == "" {
			return nil, errors.New("agent address is empty")
		}
		return NewGrpcClient(cfg, logger), nil
	}
}

// Connect dials the backend and waits until it is ready and healthy.
func (c *GrpcClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		return nil
	}

	kacp := keepalive.ClientParameters{
		Time:                c.cfg.KeepaliveTime,
		Timeout:             c.cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if kacp.Time > 0 {
		opts = append(opts, grpc.WithKeepaliveParams(kacp))
	}
	opts = append(opts, c.cfg.DialOptions...)

	// Build client connection (no network I/O yet).
	conn, err := grpc.NewClient(c.cfg.Address, opts...)
	if err != nil {
		return fmt.Errorf("create agent connection to %s: %w", c.cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		c.closeQuietly(conn)
		return fmt.Errorf("agent at %s not ready: %w", c.cfg.Address, err)
	}
	if err := checkHealth(connectCtx, conn); err != nil {
		c.closeQuietly(conn)
		return fmt.Errorf("agent at %s unhealthy: %w", c.cfg.Address, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Debug("Connected to agent backend")
	return nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// checkHealth tolerates backends that do not register the health service.
func checkHealth(ctx context.Context, conn *grpc.ClientConn) error {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if status.Code(err) == codes.Unimplemented {
		return nil
	}
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", errNotServing, resp.GetStatus())
	}
	return nil
}

func (c *GrpcClient) closeQuietly(conn *grpc.ClientConn) {
	if err := conn.Close(); err != nil {
		c.logger.Warn("failed to close gRPC connection", "error", err)
	}
}

// Disconnect closes the connection. It is safe to call more than once.
func (c *GrpcClient) Disconnect(_ context.Context) error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.dropStreamLocked()
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close agent connection: %w", err)
	}
	c.logger.Debug("Disconnected from agent backend")
	return nil
}

// Connected reports whether the connection is usable.
func (c *GrpcClient) Connected() bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	switch conn.GetState() {
	case connectivity.Shutdown, connectivity.TransientFailure:
		return false
	default:
		return true
	}
}

// SetModel selects the backend tier used by subsequent queries.
func (c *GrpcClient) SetModel(model string) {
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
}

// Query starts a turn. ctx must stay alive until StreamResponses finishes.
func (c *GrpcClient) Query(ctx context.Context, prompt, sessionID string) error {
	c.mu.Lock()
	conn := c.conn
	model := c.model
	c.dropStreamLocked()
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	req, err := structpb.NewStruct(map[string]any{
		"prompt":     prompt,
		"session_id": sessionID,
		"model":      model,
	})
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := conn.NewStream(streamCtx, queryStreamDesc, methodQuery)
	if err != nil {
		cancel()
		return fmt.Errorf("start query: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		cancel()
		return fmt.Errorf("send query: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		return fmt.Errorf("close query send: %w", err)
	}

	c.mu.Lock()
	c.stream = stream
	c.cancelStream = cancel
	c.sessionID = sessionID
	c.mu.Unlock()
	return nil
}

// StreamResponses yields the messages of the turn started by Query. The
// sequence ends after a Result message or when the backend closes the stream.
func (c *GrpcClient) StreamResponses(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		c.mu.Lock()
		stream, cancel := c.stream, c.cancelStream
		c.stream, c.cancelStream = nil, nil
		c.mu.Unlock()

		if stream == nil {
			yield(nil, ErrNoActiveQuery)
			return
		}
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		for {
			raw := new(structpb.Struct)
			if err := stream.RecvMsg(raw); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				if ctx.Err() != nil {
					yield(nil, ctx.Err())
					return
				}
				yield(nil, fmt.Errorf("query stream: %w", err))
				return
			}

			msg, err := decodeMessage(raw)
			if errors.Is(err, ErrUnknownMessage) {
				c.logger.Warn("Skipping agent message", "error", err)
				continue
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
			if _, done := msg.(Result); done {
				return
			}
		}
	}
}

// Interrupt asks the backend to stop the current turn.
func (c *GrpcClient) Interrupt(ctx context.Context) error {
	conn, sessionID := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	req, err := structpb.NewStruct(map[string]any{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("build interrupt: %w", err)
	}
	if err := conn.Invoke(ctx, methodInterrupt, req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("interrupt: %w", err)
	}
	return nil
}

// ServerInfo returns backend metadata, or nil when the backend reports none.
func (c *GrpcClient) ServerInfo(ctx context.Context) (map[string]any, error) {
	conn, _ := c.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	out := new(structpb.Struct)
	if err := conn.Invoke(ctx, methodServerInfo, &emptypb.Empty{}, out); err != nil {
		if status.Code(err) == codes.Unimplemented {
			return nil, nil
		}
		return nil, fmt.Errorf("server info: %w", err)
	}
	if len(out.GetFields()) == 0 {
		return nil, nil
	}
	return out.AsMap(), nil
}

// RespondQuestion delivers the user's answers, or cause when there are none.
func (c *GrpcClient) RespondQuestion(ctx context.Context, requestID string, answers question.Answers, cause error) error {
	conn, sessionID := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	fields := map[string]any{
		"session_id": sessionID,
		"request_id": requestID,
	}
	if cause != nil {
		fields["error"] = cause.Error()
	} else {
		fields["answers"] = encodeAnswers(answers)
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return fmt.Errorf("build answer: %w", err)
	}
	if err := conn.Invoke(ctx, methodAnswerQuestion, req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("answer question %s: %w", requestID, err)
	}
	return nil
}

// ResetState abandons any unconsumed turn and clears the backend's
// conversation for the last session. The connection stays open.
func (c *GrpcClient) ResetState(ctx context.Context) error {
	c.mu.Lock()
	conn := c.conn
	sessionID := c.sessionID
	c.sessionID = ""
	c.model = c.cfg.Model
	c.dropStreamLocked()
	c.mu.Unlock()

	if conn == nil || sessionID == "" {
		return nil
	}
	req, err := structpb.NewStruct(map[string]any{"session_id": sessionID})
	if err != nil {
		return fmt.Errorf("build reset: %w", err)
	}
	err = conn.Invoke(ctx, methodReset, req, &emptypb.Empty{})
	if err != nil && status.Code(err) != codes.Unimplemented {
		return fmt.Errorf("reset session %s: %w", sessionID, err)
	}
	return nil
}

func (c *GrpcClient) current() (*grpc.ClientConn, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, c.sessionID
}

func (c *GrpcClient) dropStreamLocked() {
	if c.cancelStream != nil {
		c.cancelStream()
	}
	c.stream = nil
	c.cancelStream = nil
}
