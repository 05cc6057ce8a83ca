package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/deskmate/internal/identity"
	"github.com/ashureev/deskmate/internal/pool"
	"github.com/ashureev/deskmate/internal/question"
	"github.com/ashureev/deskmate/internal/workspace"
)

// Inbound frame types.
const (
	InboundMessage   = "message"
	InboundAnswer    = "answer"
	InboundInterrupt = "interrupt"
	InboundPing      = "ping"
)

const writeTimeout = 10 * time.Second

// inboundFrame is a browser-to-server message.
type inboundFrame struct {
	Type       string           `json:"type"`
	Content    string           `json:"content,omitempty"`
	QuestionID string           `json:"questionId,omitempty"`
	Answers    question.Answers `json:"answers,omitempty"`
}

// WebSocketHandler serves the browser channel of a session.
type WebSocketHandler struct {
	coord         *Coordinator
	conns         *ConnManager
	limiter       *RateLimiter
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler. limiter may be nil.
func NewWebSocketHandler(coord *Coordinator, conns *ConnManager, limiter *RateLimiter, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		coord:         coord,
		conns:         conns,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger.With("component", "websocket"),
	}
}

// wsOutbound serializes frame writes to one connection.
type wsOutbound struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (o *wsOutbound) Send(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conn.Write(wctx, websocket.MessageText, data)
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	logger := h.logger.With("session_id", sessionID)
	logger.Info("WebSocket connection request", "ip", identity.IPFromRequest(r))

	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logger.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			logger.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	h.conns.Register(sessionID, ws)
	defer h.conns.Unregister(sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := &wsOutbound{conn: ws}
	sess, err := h.coord.Open(ctx, sessionID, out)
	if err != nil {
		code := CodeUnavailable
		if errors.Is(err, pool.ErrPoolExhausted) {
			code = CodePoolBusy
		}
		logger.Warn("Cannot open session", "error", err)
		_ = out.Send(ctx, Frame{Type: FrameError, SessionID: sessionID, Error: code, Message: err.Error()})
		_ = ws.Close(websocket.StatusTryAgainLater, code)
		return
	}
	defer func() {
		closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), h.coord.cfg.CallTimeout)
		defer cancelClose()
		if err := sess.Close(closeCtx); err != nil {
			logger.Warn("Session close failed", "error", err)
		}
	}()

	summary := sess.Workspace().Stats()
	_ = out.Send(ctx, Frame{Type: FrameReady, SessionID: sessionID, Session: &summary})

	var turns sync.WaitGroup
	h.inputLoop(ctx, ws, out, sess, &turns)
	cancel()
	turns.Wait()
	logger.Info("Session connection ended")
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) inputLoop(ctx context.Context, ws *websocket.Conn, out *wsOutbound, sess *Session, turns *sync.WaitGroup) {
	sendErr := func(code, msg string) {
		_ = out.Send(ctx, Frame{Type: FrameError, SessionID: sess.ID(), Error: code, Message: msg})
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				h.logger.Debug("WebSocket closed", "session_id", sess.ID())
			} else {
				h.logger.Warn("WebSocket read error", "error", err, "session_id", sess.ID())
			}
			return
		}

		var msg inboundFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			sendErr(CodeBadFrame, "frames must be JSON objects")
			continue
		}

		switch msg.Type {
		case InboundMessage:
			if h.limiter != nil && !h.limiter.Allow(sess.ID()) {
				sendErr(CodeRateLimited, "too many messages")
				continue
			}
			turns.Add(1)
			go func() {
				defer turns.Done()
				if _, err := sess.RunTurn(ctx, msg.Content); err != nil {
					sendErr(turnErrorCode(err), err.Error())
				}
			}()
		case InboundAnswer:
			if !sess.SubmitAnswer(msg.QuestionID, msg.Answers) {
				sendErr(CodeUnknownQuestion, "no pending question "+msg.QuestionID)
			}
		case InboundInterrupt:
			if err := sess.Interrupt(ctx); err != nil {
				code := CodeInterruptFailed
				if errors.Is(err, ErrNoActiveTurn) {
					code = CodeNoActiveTurn
				}
				sendErr(code, err.Error())
			}
		case InboundPing:
			_ = out.Send(ctx, Frame{Type: FramePong, SessionID: sess.ID()})
		default:
			sendErr(CodeBadFrame, "unknown frame type "+msg.Type)
		}
	}
}

func turnErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrTurnInProgress):
		return CodeTurnInProgress
	case errors.Is(err, ErrEmptyPrompt):
		return CodeBadFrame
	case errors.Is(err, workspace.ErrArchived), errors.Is(err, workspace.ErrDeleted):
		return CodeWorkspaceReadOnly
	}
	return CodeTurnFailed
}
