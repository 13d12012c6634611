package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/middleware"
	"callsession-backend/internal/service/call"
	"callsession-backend/internal/service/signaling"
	"callsession-backend/internal/transport"
	"callsession-backend/pkg/constants"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/response"
)

// CallService is the lifecycle surface driven by socket messages
type CallService interface {
	Join(ctx context.Context, in call.JoinInput) (*call.JoinResult, error)
	Leave(ctx context.Context, in call.LeaveInput) error
	UpdateMedia(ctx context.Context, sessionID, userID string, patch domain.MediaPatch) (*domain.Participant, error)
}

// Relayer routes offer/answer/ice messages and member reports
type Relayer interface {
	Relay(ctx context.Context, sig signaling.Signal) error
	ReportIssue(ctx context.Context, rep signaling.Report) error
	RecordQuality(ctx context.Context, rep signaling.Report) error
}

// SignalingHandler upgrades authenticated requests to signaling connections
type SignalingHandler struct {
	hub        *SignalingHub
	calls      CallService
	router     Relayer
	iceServers []domain.ICEServer
	upgrader   websocket.Upgrader
}

// NewSignalingHandler creates a new signaling handler.
// allowedOrigins may contain "*" to accept any browser origin.
func NewSignalingHandler(hub *SignalingHub, calls CallService, router Relayer, iceServers []domain.ICEServer, allowedOrigins []string) *SignalingHandler {
	allowed := lo.SliceToMap(allowedOrigins, func(o string) (string, bool) { return o, true })

	return &SignalingHandler{
		hub:        hub,
		calls:      calls,
		router:     router,
		iceServers: iceServers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Reject empty origins - require explicit origin for security
					return false
				}
				return allowed["*"] || allowed[origin]
			},
		},
	}
}

// SignalingClient represents one WebSocket connection
type SignalingClient struct {
	hub         *SignalingHub
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	id          string
	userID      string
	displayName string

	// guarded by hub.mu
	channels map[string]struct{}

	// session of the last successful join_request; read pump only
	currentSession string
}

// ServeWS handles WebSocket requests for signaling
func (h *SignalingHandler) ServeWS(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		response.Unauthorized(c, "Authentication required")
		return
	}

	if !h.hub.acquire() {
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.hub.maxConnections))
		h.hub.metrics.RecordWebSocketError("capacity")
		response.FromError(c, apperrors.ServiceUnavailableError("Server at capacity, please try again later"))
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.hub.release()
		h.hub.metrics.RecordWebSocketError("upgrade")
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return
	}

	client := &SignalingClient{
		hub:         h.hub,
		conn:        conn,
		send:        make(chan []byte, constants.SignalingSendBuffer),
		done:        make(chan struct{}),
		id:          uuid.New().String(),
		userID:      userID,
		displayName: middleware.DisplayName(c),
	}
	h.hub.register(client)

	_ = h.hub.SendTo(client.id, &transport.ServerMessage{
		Type:         transport.MessageConnected,
		ConnectionID: client.id,
		ICEServers:   h.iceServers,
		Timestamp:    time.Now().UTC(),
	})

	logger.Debug("Signaling connection opened",
		zap.String("user_id", userID),
		zap.String("connection_id", client.id))

	go client.writePump()
	go h.readPump(client)
}

// readPump reads messages from WebSocket
func (h *SignalingHandler) readPump(c *SignalingClient) {
	defer func() {
		h.hub.unregister(c)
		c.kill()
	}()

	c.conn.SetReadLimit(constants.MaxSignalingMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID),
					zap.String("connection_id", c.id),
					zap.Error(err))
			}
			return
		}

		var msg transport.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.hub.metrics.RecordWebSocketError("invalid_json")
			_ = h.hub.SendTo(c.id, transport.NewError(string(apperrors.ErrCodeValidation), "Invalid message format"))
			continue
		}
		h.hub.metrics.RecordWebSocketMessage(string(msg.Type), "in")

		h.dispatch(c, &msg)
	}
}

func (h *SignalingHandler) dispatch(c *SignalingClient, msg *transport.ClientMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.SignalingMessageTimeout)
	defer cancel()

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = c.currentSession
	}

	var err error
	switch {
	case msg.Type == transport.MessageJoinRequest:
		err = h.handleJoin(ctx, c, msg)
	case msg.Type == transport.MessageLeaveRequest:
		err = h.calls.Leave(ctx, call.LeaveInput{
			SessionID:    sessionID,
			UserID:       c.userID,
			ConnectionID: c.id,
		})
		if err == nil && sessionID == c.currentSession {
			c.currentSession = ""
		}
	case msg.Type == transport.MessageMediaUpdate:
		_, err = h.calls.UpdateMedia(ctx, sessionID, c.userID, msg.MediaPatch())
	case msg.Type.IsSignal():
		// the router reports its own failures to the sender
		_ = h.router.Relay(ctx, signaling.Signal{
			Kind:               msg.Type,
			SessionID:          sessionID,
			SenderUserID:       c.userID,
			SenderConnectionID: c.id,
			TargetPeerID:       msg.TargetPeerID,
			Payload:            msg.Payload,
		})
		return
	case msg.Type == transport.MessageConnectionIssue:
		_ = h.router.ReportIssue(ctx, report(c, sessionID, msg))
		return
	case msg.Type == transport.MessageQualityReport:
		_ = h.router.RecordQuality(ctx, report(c, sessionID, msg))
		return
	default:
		err = apperrors.InvalidInputError("Unknown message type: " + string(msg.Type))
	}

	if err != nil {
		appErr := apperrors.GetAppError(err)
		logger.Session(ctx, sessionID).Debug("Signaling request failed",
			zap.String("type", string(msg.Type)),
			zap.String("connection_id", c.id),
			zap.Error(err))
		reply := transport.NewError(string(appErr.Code), appErr.Message)
		reply.SessionID = sessionID
		_ = h.hub.SendTo(c.id, reply)
	}
}

func report(c *SignalingClient, sessionID string, msg *transport.ClientMessage) signaling.Report {
	return signaling.Report{
		Kind:               msg.Type,
		SessionID:          sessionID,
		SenderUserID:       c.userID,
		SenderConnectionID: c.id,
		IssueType:          msg.IssueType,
		Description:        msg.Description,
		QualityData:        msg.QualityData,
	}
}

func (h *SignalingHandler) handleJoin(ctx context.Context, c *SignalingClient, msg *transport.ClientMessage) error {
	if msg.SessionID == "" {
		return apperrors.MissingFieldError("session_id")
	}

	res, err := h.calls.Join(ctx, call.JoinInput{
		SessionID:    msg.SessionID,
		UserID:       c.userID,
		DisplayName:  c.displayName,
		ConnectionID: c.id,
		PeerID:       msg.PeerID,
	})
	if err != nil {
		return err
	}
	c.currentSession = msg.SessionID

	return h.hub.SendTo(c.id, &transport.ServerMessage{
		Type:         transport.MessageSessionJoined,
		SessionID:    res.Session.SessionID,
		Sequence:     res.Session.Version,
		ConnectionID: c.id,
		ICEServers:   h.iceServers,
		Participants: res.Participants,
		Timestamp:    time.Now().UTC(),
	})
}

// enqueue queues data without blocking; false means the queue is full or closed
func (c *SignalingClient) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// kill closes the connection once; the read pump then unregisters it
func (c *SignalingClient) kill() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// writePump writes messages to WebSocket
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.kill()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
