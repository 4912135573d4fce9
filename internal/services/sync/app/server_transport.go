package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"
	"golang.org/x/time/rate"

	apperrors "github.com/louisbranch/tablesync/internal/platform/errors"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/command"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/participant"
	"github.com/louisbranch/tablesync/internal/services/sync/domain/session"
	"github.com/louisbranch/tablesync/internal/services/sync/engine"
	"github.com/louisbranch/tablesync/internal/services/sync/registry"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

type identityContextKey struct{}

// wsPeer serializes writes to one socket. The registry writer goroutine and
// direct replies share it.
type wsPeer struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (p *wsPeer) WriteMessage(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	}
	return websocket.Message.Send(p.conn, string(data))
}

// sessionConn is the registry view of a peer for one joined session. Closing
// it drops the socket unless the client left the session on its own.
type sessionConn struct {
	peer     *wsPeer
	detached atomic.Bool
}

func (c *sessionConn) WriteMessage(data []byte) error {
	return c.peer.WriteMessage(data)
}

func (c *sessionConn) Close() error {
	if c.detached.Load() {
		return nil
	}
	return c.peer.conn.Close()
}

// wsClient is the read side of one connection. All frames are handled on the
// connection goroutine.
type wsClient struct {
	srv      *Server
	ctx      context.Context
	peer     *wsPeer
	identity Identity
	handle   *registry.Handle
	conn     *sessionConn
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.auth == nil {
		http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
		return
	}
	token := tokenFromRequest(r)
	if token == "" {
		log.Printf("sync: websocket unauthorized: missing token remote=%s", r.RemoteAddr)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	identity, err := s.auth.Authenticate(r.Context(), token)
	if err != nil {
		log.Printf("sync: websocket unauthorized remote=%s code=%s field=%q: %v", r.RemoteAddr, apperrors.CodeOf(err), apperrors.Field(err), err)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	r = r.WithContext(context.WithValue(r.Context(), identityContextKey{}, identity))
	websocket.Handler(s.handleWSConn).ServeHTTP(w, r)
}

func (s *Server) handleWSConn(conn *websocket.Conn) {
	conn.MaxPayloadBytes = maxFramePayloadBytes
	ctx := conn.Request().Context()
	identity, _ := ctx.Value(identityContextKey{}).(Identity)
	client := &wsClient{
		srv:      s,
		ctx:      ctx,
		peer:     &wsPeer{conn: conn, writeTimeout: s.writeTimeout},
		identity: identity,
	}
	defer func() {
		client.leave()
		_ = conn.Close()
	}()

	limiter := rate.NewLimiter(rate.Limit(maxFramesPerSecond), maxFramesPerSecond)
	decodeErrors := 0
	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				client.writeError("", apperrors.New(apperrors.CodeCommandMalformed, "frame too large"))
				return
			}
			if !errors.Is(err, io.EOF) {
				log.Printf("sync: read from %s: %v", identity.UserID, err)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			decodeErrors++
			client.writeError("", apperrors.New(apperrors.CodeCommandMalformed, "invalid frame"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if !limiter.Allow() {
			client.writeError(frame.RequestID, apperrors.New(apperrors.CodeCommandRateLimited, "rate limit exceeded"))
			return
		}
		client.dispatch(frame)
	}
}

func (c *wsClient) dispatch(frame wsFrame) {
	switch frame.Type {
	case framePing:
		c.handlePing(frame)
	case frameJoin:
		c.handleJoin(frame)
	case frameLeave:
		c.handleLeave(frame)
	case frameAction:
		c.handleAction(frame)
	case frameResync:
		c.handleResync(frame)
	case frameChatHistory:
		c.handleChatHistory(frame)
	default:
		c.writeError(frame.RequestID, apperrors.New(apperrors.CodeCommandMalformed, "unsupported frame type"))
	}
}

func (c *wsClient) joined() bool {
	return c.handle != nil && !c.handle.Closed()
}

// reply routes through the session queue while joined so replies never
// overtake deltas already queued for this participant.
func (c *wsClient) reply(frameType, requestID string, payload any) {
	data := c.srv.codec.encode(frameType, requestID, payload)
	if data == nil {
		return
	}
	if c.joined() {
		c.srv.registry.SendTo(c.handle, data)
		return
	}
	if err := c.peer.WriteMessage(data); err != nil {
		log.Printf("sync: write %s to %s: %v", frameType, c.identity.UserID, err)
	}
}

func (c *wsClient) writeError(requestID string, err error) {
	code := engine.ErrorCode(err)
	message := err.Error()
	var domainErr *apperrors.Error
	switch {
	case errors.As(err, new(*engine.ValidationError)):
	case errors.As(err, &domainErr):
		message = domainErr.Message
	default:
		log.Printf("sync: request %s from %s failed: %v", requestID, c.identity.UserID, err)
		message = "internal error"
	}
	c.reply(frameError, requestID, wsError{
		Code:      string(code),
		Status:    code.GRPCCode().String(),
		Message:   message,
		Retryable: code.Retryable(),
		Resync:    code == apperrors.CodeSequenceConflict,
	})
}

func (c *wsClient) handlePing(frame wsFrame) {
	var payload pingPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.writeError(frame.RequestID, apperrors.New(apperrors.CodeCommandMalformed, "invalid ping payload"))
			return
		}
	}
	if c.joined() && payload.SequenceNumber > 0 {
		c.handle.Ack(payload.SequenceNumber)
	}
	c.reply(framePong, frame.RequestID, pongPayload{
		SequenceNumber: payload.SequenceNumber,
		ServerTime:     c.srv.now().UnixMilli(),
	})
}

func (c *wsClient) handleJoin(frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		c.writeError(frame.RequestID, apperrors.New(apperrors.CodeCommandMalformed, "invalid join payload"))
		return
	}
	sessionID := strings.TrimSpace(payload.SessionID)
	if sessionID == "" {
		c.writeError(frame.RequestID, apperrors.New(apperrors.CodeCommandMalformed, "sessionId is required"))
		return
	}
	if !c.identity.Allows(sessionID) {
		c.writeError(frame.RequestID, apperrors.New(apperrors.CodeCommandForbidden, "grant does not cover this session"))
		return
	}
	c.leave()

	conn := &sessionConn{peer: c.peer}
	handle, err := c.srv.engine.Join(c.ctx, engine.JoinRequest{
		SessionID:   sessionID,
		GameID:      strings.TrimSpace(payload.GameID),
		Participant: participant.Participant{UserID: c.identity.UserID, Role: c.identity.Role},
		Conn:        conn,
		Locale:      payload.Locale,
		RequestID:   frame.RequestID,
	})
	if err != nil {
		c.writeError(frame.RequestID, err)
		return
	}
	c.handle, c.conn = handle, conn
}

func (c *wsClient) handleLeave(frame wsFrame) {
	if !c.joined() {
		c.writeError(frame.RequestID, engine.ErrNotJoined)
		return
	}
	c.leave()
	c.reply(frameAck, frame.RequestID, ackPayload{})
}

// leave detaches the current session without closing the socket.
func (c *wsClient) leave() {
	if c.handle == nil {
		return
	}
	c.conn.detached.Store(true)
	c.srv.engine.Leave(c.handle)
	c.handle, c.conn = nil, nil
}

func (c *wsClient) handleAction(frame wsFrame) {
	if !c.joined() {
		c.writeError(frame.RequestID, engine.ErrNotJoined)
		return
	}
	var cmd command.Command
	if err := json.Unmarshal(frame.Payload, &cmd); err != nil {
		c.writeError(frame.RequestID, apperrors.New(apperrors.CodeCommandMalformed, "invalid action payload"))
		return
	}
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = c.srv.now()
	}
	d, err := c.srv.engine.Submit(c.ctx, c.handle, cmd)
	if err != nil {
		c.writeError(frame.RequestID, err)
		return
	}
	c.reply(frameAck, frame.RequestID, ackPayload{SequenceNumber: d.Sequence, CommandID: d.CommandID})
}

func (c *wsClient) handleResync(frame wsFrame) {
	if !c.joined() {
		c.writeError(frame.RequestID, engine.ErrNotJoined)
		return
	}
	if err := c.srv.engine.Resync(c.ctx, c.handle, frame.RequestID); err != nil {
		c.writeError(frame.RequestID, err)
	}
}

func (c *wsClient) handleChatHistory(frame wsFrame) {
	if !c.joined() {
		c.writeError(frame.RequestID, engine.ErrNotJoined)
		return
	}
	var payload chatHistoryRequest
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			c.writeError(frame.RequestID, apperrors.New(apperrors.CodeCommandMalformed, "invalid history payload"))
			return
		}
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultHistoryLimit
	}
	if payload.Limit > maxHistoryLimit {
		payload.Limit = maxHistoryLimit
	}
	entries, err := c.srv.engine.ChatHistory(c.ctx, c.handle, payload.BeforeSequence, payload.Limit)
	if err != nil {
		c.writeError(frame.RequestID, err)
		return
	}
	if entries == nil {
		entries = []session.ChatEntry{}
	}
	c.reply(frameChatHistory, frame.RequestID, chatHistoryPayload{SessionID: c.handle.SessionID, Entries: entries})
}
