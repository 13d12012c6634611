package call

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/middleware"
	"callsession-backend/internal/service/call"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/pagination"
	"callsession-backend/pkg/resilience"
	"callsession-backend/pkg/response"
)

// ConnectionOwners resolves a live signaling connection to its user
type ConnectionOwners interface {
	ConnectionOwner(connectionID string) (userID string, ok bool)
}

// Inviter notifies invitees of a new session
type Inviter interface {
	Invite(ctx context.Context, session *domain.CallSession, initiatorName string) int
}

// Handler handles call session HTTP requests
type Handler struct {
	callService *call.Service
	connections ConnectionOwners
	inviter     Inviter
	iceServers  []domain.ICEServer
	retry       resilience.RetryPolicy
	metrics     *metrics.Metrics
}

// NewHandler creates a new call handler. Transient failures of idempotent
// operations are retried according to retry.
func NewHandler(callService *call.Service, connections ConnectionOwners, inviter Inviter, iceServers []domain.ICEServer, retry resilience.RetryPolicy, m *metrics.Metrics) *Handler {
	return &Handler{
		callService: callService,
		connections: connections,
		inviter:     inviter,
		iceServers:  iceServers,
		retry:       retry,
		metrics:     m,
	}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	SessionType      string                 `json:"session_type" binding:"omitempty,oneof=one-to-one group therapy"`
	MaxParticipants  int                    `json:"max_participants" binding:"omitempty,min=2"`
	Settings         *domain.CallSettings   `json:"call_settings"`
	Participants     []string               `json:"participants" binding:"omitempty,dive,required"`
	TherapySessionID string                 `json:"therapy_session_id"`
	Metadata         domain.SessionMetadata `json:"metadata"`
}

// JoinCallRequest represents a join request
type JoinCallRequest struct {
	ConnectionID string `json:"connection_id" binding:"required"`
	PeerID       string `json:"peer_id"`
}

// LeaveCallRequest represents a leave request
type LeaveCallRequest struct {
	ConnectionID string `json:"connection_id"`
}

// InitiateCall starts a new call session
// POST /v1/calls/initiate
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	session, err := h.callService.Initiate(c.Request.Context(), call.InitiateInput{
		InitiatorID:      middleware.UserID(c),
		SessionType:      domain.SessionType(req.SessionType),
		MaxParticipants:  req.MaxParticipants,
		Settings:         req.Settings,
		Invitees:         req.Participants,
		TherapySessionID: req.TherapySessionID,
		Metadata:         req.Metadata,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	h.inviter.Invite(c.Request.Context(), session, middleware.DisplayName(c))

	response.Success(c, http.StatusCreated, gin.H{
		"session_id":  session.SessionID,
		"session":     session,
		"ice_servers": h.iceServers,
	})
}

// JoinCall attaches one of the caller's live signaling connections to a call
// POST /v1/calls/:id/join
func (h *Handler) JoinCall(c *gin.Context) {
	var req JoinCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	owner, ok := h.connections.ConnectionOwner(req.ConnectionID)
	if !ok {
		response.FromError(c, apperrors.InvalidInputError("connection_id is not a live signaling connection"))
		return
	}
	if owner != middleware.UserID(c) {
		h.metrics.RecordAuthFailure("connection_owner")
		response.FromError(c, apperrors.ForbiddenError("Connection belongs to another user"))
		return
	}

	in := call.JoinInput{
		SessionID:    c.Param("id"),
		UserID:       middleware.UserID(c),
		DisplayName:  middleware.DisplayName(c),
		ConnectionID: req.ConnectionID,
		PeerID:       req.PeerID,
	}
	res, err := retried(c.Request.Context(), h.policy("join"), "join", func(ctx context.Context) (*call.JoinResult, error) {
		return h.callService.Join(ctx, in)
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session":      res.Session,
		"participants": res.Participants,
		"reattached":   res.Reattached,
		"ice_servers":  h.iceServers,
	})
}

// LeaveCall detaches the caller from a call
// POST /v1/calls/:id/leave
func (h *Handler) LeaveCall(c *gin.Context) {
	var req LeaveCallRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationError(c, err.Error())
			return
		}
	}

	in := call.LeaveInput{
		SessionID:    c.Param("id"),
		UserID:       middleware.UserID(c),
		ConnectionID: req.ConnectionID,
	}
	_, err := retried(c.Request.Context(), h.policy("leave"), "leave", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h.callService.Leave(ctx, in)
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message":    "Left call",
		"session_id": in.SessionID,
	})
}

// UpdateMedia changes the caller's media flags
// PUT /v1/calls/:id/media
func (h *Handler) UpdateMedia(c *gin.Context) {
	var patch domain.MediaPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	sessionID := c.Param("id")
	userID := middleware.UserID(c)
	participant, err := retried(c.Request.Context(), h.policy("update_media"), "update_media", func(ctx context.Context) (*domain.Participant, error) {
		return h.callService.UpdateMedia(ctx, sessionID, userID, patch)
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session_id":  sessionID,
		"participant": participant,
	})
}

// EndCall terminates a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	sessionID := c.Param("id")
	userID := middleware.UserID(c)

	session, err := retried(c.Request.Context(), h.policy("end"), "end", func(ctx context.Context) (*domain.CallSession, error) {
		return h.callService.End(ctx, sessionID, userID)
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message":             "Call ended",
		"session_id":          session.SessionID,
		"duration":            session.Duration,
		"duration_in_minutes": session.DurationInMinutes(),
		"session":             session,
	})
}

// GetCall returns one session in any state
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	session, err := h.callService.GetSession(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"session":      session,
		"participants": call.ActiveParticipants(session),
	})
}

// GetHistory lists the caller's sessions, newest first
// GET /v1/calls/history?page=1&limit=20&status=ended
func (h *Handler) GetHistory(c *gin.Context) {
	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	page, err := h.callService.ListHistory(c.Request.Context(), middleware.UserID(c),
		domain.SessionStatus(c.Query("status")), params.Page, params.Limit)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"sessions": page.Sessions,
		"pagination": gin.H{
			"page":        page.Page,
			"limit":       page.Limit,
			"total":       page.Total,
			"total_pages": page.TotalPages,
		},
	})
}

// GetICEServers returns the STUN/TURN configuration
// GET /v1/calls/ice-servers
func (h *Handler) GetICEServers(c *gin.Context) {
	response.Success(c, http.StatusOK, gin.H{
		"ice_servers": h.iceServers,
	})
}

func (h *Handler) policy(operation string) resilience.RetryPolicy {
	p := h.retry
	p.OnRetry = func(error, time.Duration) {
		h.metrics.RecordRetry(operation)
	}
	return p
}

func retried[T any](ctx context.Context, policy resilience.RetryPolicy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	res, err := resilience.RetryTransient(ctx, policy, name, func() (T, error) {
		return op(ctx)
	})
	if err != nil && !apperrors.IsAppError(err) && ctx.Err() != nil {
		return res, apperrors.TransientError("Request cancelled", err)
	}
	return res, err
}
