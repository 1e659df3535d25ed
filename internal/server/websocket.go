package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ScriptoriumLab/vellum/backend/internal/document"
	"github.com/ScriptoriumLab/vellum/backend/internal/protocol"
	"github.com/ScriptoriumLab/vellum/backend/internal/room"
	"github.com/ScriptoriumLab/vellum/backend/internal/store"
)

const (
	defaultUserID   = "anonymous"
	defaultUserName = "Anonymous"

	closeMissingRoom  = 4001
	closeInvalidToken = 4003

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameBytes  = 1 << 20
	sendQueueDepth = 64

	attachAttempts = 3
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

type outboundMessage struct {
	kind    int
	payload []byte
}

// wsSession adapts one websocket connection to the room.Session interface.
// The write pump is the only goroutine that writes to the connection; every
// producer goes through the outbound queue.
type wsSession struct {
	id       string
	userID   string
	userName string
	conn     *websocket.Conn
	logger   *zap.Logger

	outbound  chan outboundMessage
	closed    chan struct{}
	closeOnce sync.Once
	reason    string
}

func newWSSession(conn *websocket.Conn, userID, userName string, logger *zap.Logger) *wsSession {
	return &wsSession{
		id:       uuid.NewString(),
		userID:   userID,
		userName: userName,
		conn:     conn,
		logger:   logger,
		outbound: make(chan outboundMessage, sendQueueDepth),
		closed:   make(chan struct{}),
	}
}

func (session *wsSession) ID() string       { return session.id }
func (session *wsSession) UserID() string   { return session.userID }
func (session *wsSession) UserName() string { return session.userName }

func (session *wsSession) Deliver(frame []byte) bool {
	return session.enqueue(outboundMessage{kind: websocket.BinaryMessage, payload: frame})
}

func (session *wsSession) DeliverText(message []byte) bool {
	return session.enqueue(outboundMessage{kind: websocket.TextMessage, payload: message})
}

func (session *wsSession) enqueue(message outboundMessage) bool {
	select {
	case <-session.closed:
		return false
	default:
	}
	select {
	case session.outbound <- message:
		return true
	default:
		return false
	}
}

// Kick schedules the close handshake; the write pump delivers it and tears
// the connection down.
func (session *wsSession) Kick(reason string) {
	session.closeOnce.Do(func() {
		session.reason = reason
		close(session.closed)
	})
}

func (session *wsSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		session.conn.Close()
	}()
	for {
		select {
		case message := <-session.outbound:
			session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.conn.WriteMessage(message.kind, message.payload); err != nil {
				return
			}
		case <-ticker.C:
			session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := session.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-session.closed:
			session.conn.SetWriteDeadline(time.Now().Add(writeWait))
			session.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, session.reason))
			return
		}
	}
}

func (h *httpHandler) handleCollab(c *gin.Context) {
	roomName := strings.TrimSpace(c.Query("room"))
	userID := strings.TrimSpace(c.Query("userId"))
	if userID == "" {
		userID = defaultUserID
	}
	userName := strings.TrimSpace(c.Query("userName"))
	if userName == "" {
		userName = defaultUserName
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if roomName == "" {
		closeWithCode(conn, closeMissingRoom, "room parameter required")
		return
	}
	if h.tokens != nil {
		identity, validateErr := h.tokens.ValidateToken(c.Query("token"))
		if validateErr != nil {
			h.logger.Warn("collab token rejected", zap.Error(validateErr))
			closeWithCode(conn, closeInvalidToken, "invalid token")
			return
		}
		userID = identity.UserID
		if identity.UserName != "" {
			userName = identity.UserName
		}
	}

	session := newWSSession(conn, userID, userName, h.logger)
	liveRoom, err := h.attachSession(c.Request.Context(), roomName, session)
	if err != nil {
		if errors.Is(err, store.ErrInvalidDocumentID) {
			closeWithCode(conn, closeMissingRoom, "invalid room name")
			return
		}
		h.logger.Error("room resolution failed", zap.String("room", roomName), zap.Error(err))
		closeWithCode(conn, websocket.CloseInternalServerErr, "room unavailable")
		return
	}

	h.tracker.Join(roomName, userID, userName)
	liveRoom.BroadcastPresence(userID, protocol.PresenceActionJoined, session.id)
	h.collector.ConnectionsActive.Inc()
	h.logger.Info("session connected",
		zap.String("room", roomName),
		zap.String("session", session.id),
		zap.String("user", userID))

	go session.writePump()
	h.readLoop(c.Request.Context(), session, liveRoom, roomName)

	session.Kick("")
	liveRoom.Detach(session.id)
	h.tracker.Leave(roomName, session.userID)
	liveRoom.BroadcastPresence(session.userID, protocol.PresenceActionLeft, session.id)
	h.collector.ConnectionsActive.Dec()
	h.logger.Info("session disconnected",
		zap.String("room", roomName),
		zap.String("session", session.id),
		zap.String("user", session.userID))
}

// attachSession resolves the room and attaches, retrying when the room is
// retired between the resolve and the attach.
func (h *httpHandler) attachSession(ctx context.Context, roomName string, session *wsSession) (*room.Room, error) {
	var lastErr error
	for attempt := 0; attempt < attachAttempts; attempt++ {
		liveRoom, err := h.rooms.Resolve(ctx, roomName)
		if err != nil {
			return nil, err
		}
		attachErr := liveRoom.Attach(session)
		if attachErr == nil {
			return liveRoom, nil
		}
		if !errors.Is(attachErr, room.ErrRoomClosed) {
			return nil, attachErr
		}
		lastErr = attachErr
	}
	return nil, lastErr
}

func (h *httpHandler) readLoop(ctx context.Context, session *wsSession, liveRoom *room.Room, roomName string) {
	session.conn.SetReadLimit(maxFrameBytes)
	session.conn.SetReadDeadline(time.Now().Add(pongWait))
	session.conn.SetPongHandler(func(string) error {
		return session.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, payload, err := session.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			// Clients speak the binary protocol; text frames are server-to-client only.
			continue
		}

		frame, err := protocol.DecodeFrame(payload)
		if err != nil {
			if errors.Is(err, protocol.ErrEmptyFrame) {
				h.logger.Warn("closing session on empty frame",
					zap.String("room", roomName),
					zap.String("session", session.id))
				return
			}
			h.logger.Warn("dropping undecodable frame",
				zap.String("room", roomName),
				zap.String("session", session.id),
				zap.Error(err))
			continue
		}

		switch frame.Tag {
		case protocol.TagVectorRequest:
			reply, replyErr := liveRoom.VectorReply(frame.Payload)
			if replyErr != nil {
				if errors.Is(replyErr, room.ErrRoomClosed) {
					return
				}
				h.logger.Warn("dropping malformed vector request",
					zap.String("room", roomName),
					zap.String("session", session.id),
					zap.Error(replyErr))
				continue
			}
			session.Deliver(protocol.EncodeFrame(protocol.TagVectorReply, reply))
		case protocol.TagVectorReply, protocol.TagUpdate:
			if _, admitErr := liveRoom.AdmitUpdate(ctx, session.id, frame.Payload); admitErr != nil {
				if errors.Is(admitErr, room.ErrRoomClosed) {
					return
				}
				if errors.Is(admitErr, document.ErrMalformedUpdate) {
					h.logger.Warn("dropping malformed update",
						zap.String("room", roomName),
						zap.String("session", session.id),
						zap.Error(admitErr))
				}
				// Persistence failures are logged by the room; the client
				// stays connected and re-syncs once the store recovers.
				continue
			}
			h.tracker.Heartbeat(roomName, session.userID, session.userName)
		case protocol.TagAwareness:
			h.tracker.Heartbeat(roomName, session.userID, session.userName)
			liveRoom.RelayAwareness(session.id, frame.Payload)
		}
	}
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	message := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, message)
	conn.Close()
}
