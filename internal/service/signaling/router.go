package signaling

import (
	"context"
	"encoding/json"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/transport"
	apperrors "callsession-backend/pkg/errors"
	"callsession-backend/pkg/logger"
	"callsession-backend/pkg/metrics"
	"callsession-backend/pkg/sanitize"
)

const maxIssueTypeLength = 64

// MembershipReader exposes the committed active membership of a session
type MembershipReader interface {
	ActiveMembers(sessionID string) []domain.Participant
}

// Signal is one offer, answer or ICE candidate to relay
type Signal struct {
	Kind               transport.MessageType
	SessionID          string
	SenderUserID       string
	SenderConnectionID string
	// TargetPeerID is matched against peer IDs first, then connection IDs
	TargetPeerID string
	Payload      json.RawMessage
}

// Router relays negotiation payloads between active members of one session.
// Payloads are opaque and delivered at most once.
type Router struct {
	members   MembershipReader
	transport transport.Transport
	metrics   *metrics.Metrics
}

// NewRouter creates a new signaling router
func NewRouter(members MembershipReader, t transport.Transport, m *metrics.Metrics) *Router {
	return &Router{
		members:   members,
		transport: t,
		metrics:   m,
	}
}

// Relay forwards sig to its target. On failure the sender is sent a
// signaling_error and the matching app error is returned.
func (r *Router) Relay(ctx context.Context, sig Signal) error {
	if !sig.Kind.IsSignal() {
		return r.reject(ctx, sig, transport.ReasonInvalidMessage,
			apperrors.InvalidInputError("Unsupported signal type: "+string(sig.Kind)))
	}
	if sig.SessionID == "" || sig.TargetPeerID == "" {
		return r.reject(ctx, sig, transport.ReasonInvalidMessage,
			apperrors.ValidationError("session_id and target_peer_id are required"))
	}

	members := r.members.ActiveMembers(sig.SessionID)

	sender, ok := lo.Find(members, func(p domain.Participant) bool {
		return p.UserID == sig.SenderUserID && p.ConnectionID == sig.SenderConnectionID
	})
	if !ok {
		return r.reject(ctx, sig, transport.ReasonForbidden,
			apperrors.ForbiddenError("Sender is not an active member of this call"))
	}

	target, ok := resolveTarget(members, sig.TargetPeerID)
	if !ok {
		return r.reject(ctx, sig, transport.ReasonTargetNotFound, apperrors.TargetNotFoundError())
	}

	msg := &transport.ServerMessage{
		Type:      sig.Kind,
		SessionID: sig.SessionID,
		From: &transport.Sender{
			UserID:       sender.UserID,
			PeerID:       sender.PeerID,
			ConnectionID: sender.ConnectionID,
		},
		Payload:   sig.Payload,
		Timestamp: time.Now().UTC(),
	}
	if err := r.transport.SendTo(target.ConnectionID, msg); err != nil {
		logger.FromContext(ctx).Debug("Signal target unreachable",
			zap.String("session_id", sig.SessionID),
			zap.String("target_connection_id", target.ConnectionID),
			zap.Error(err))
		return r.reject(ctx, sig, transport.ReasonTargetNotFound, apperrors.TargetNotFoundError())
	}

	r.metrics.RecordSignal(string(sig.Kind), "delivered")
	return nil
}

func (r *Router) reject(ctx context.Context, sig Signal, reason string, err *apperrors.AppError) error {
	return r.rejectFrom(ctx, sig.Kind, sig.SessionID, sig.SenderConnectionID, reason, err)
}

func (r *Router) rejectFrom(ctx context.Context, kind transport.MessageType, sessionID, connectionID, reason string, err *apperrors.AppError) error {
	r.metrics.RecordSignal(string(kind), reason)

	if sendErr := r.transport.SendTo(connectionID, transport.NewSignalingError(sessionID, reason)); sendErr != nil {
		logger.FromContext(ctx).Debug("Failed to notify signal sender",
			zap.String("connection_id", connectionID),
			zap.Error(sendErr))
	}
	return err
}

// Report is a connection issue or quality report sent by a member about its own call
type Report struct {
	Kind               transport.MessageType
	SessionID          string
	SenderUserID       string
	SenderConnectionID string
	IssueType          string
	Description        string
	QualityData        json.RawMessage
}

// ReportIssue tells the other members of the session that the sender is having
// connection trouble.
func (r *Router) ReportIssue(ctx context.Context, rep Report) error {
	rep.Kind = transport.MessageConnectionIssue
	sender, err := r.sender(ctx, rep)
	if err != nil {
		return err
	}

	issueType := sanitize.Text(rep.IssueType, maxIssueTypeLength)
	logger.Session(ctx, rep.SessionID).Info("Connection issue reported",
		zap.String("user_id", sender.UserID),
		zap.String("issue_type", issueType))

	r.transport.Broadcast(rep.SessionID, &transport.ServerMessage{
		Type:      transport.MessageParticipantConnectionIssue,
		SessionID: rep.SessionID,
		From: &transport.Sender{
			UserID:       sender.UserID,
			DisplayName:  sender.DisplayName,
			PeerID:       sender.PeerID,
			ConnectionID: sender.ConnectionID,
		},
		IssueType:   issueType,
		Description: sanitize.Text(rep.Description, sanitize.MaxDescriptionLength),
		Timestamp:   time.Now().UTC(),
	}, sender.ConnectionID)

	r.metrics.RecordSignal(string(rep.Kind), "delivered")
	return nil
}

// RecordQuality logs a member's call quality report. Nothing is sent to other members.
func (r *Router) RecordQuality(ctx context.Context, rep Report) error {
	rep.Kind = transport.MessageQualityReport
	sender, err := r.sender(ctx, rep)
	if err != nil {
		return err
	}
	if len(rep.QualityData) == 0 || !json.Valid(rep.QualityData) {
		return r.rejectFrom(ctx, rep.Kind, rep.SessionID, rep.SenderConnectionID, transport.ReasonInvalidMessage,
			apperrors.ValidationError("quality_data must be a JSON value"))
	}

	logger.Session(ctx, rep.SessionID).Info("Call quality report",
		zap.String("user_id", sender.UserID),
		zap.String("connection_id", sender.ConnectionID),
		zap.String("quality_data", string(rep.QualityData)))

	r.metrics.RecordSignal(string(rep.Kind), "recorded")
	return nil
}

// sender returns the active row matching the report's sender
func (r *Router) sender(ctx context.Context, rep Report) (domain.Participant, error) {
	if rep.SessionID == "" {
		return domain.Participant{}, r.rejectFrom(ctx, rep.Kind, rep.SessionID, rep.SenderConnectionID,
			transport.ReasonInvalidMessage, apperrors.MissingFieldError("session_id"))
	}
	p, ok := lo.Find(r.members.ActiveMembers(rep.SessionID), func(p domain.Participant) bool {
		return p.UserID == rep.SenderUserID && p.ConnectionID == rep.SenderConnectionID
	})
	if !ok {
		return p, r.rejectFrom(ctx, rep.Kind, rep.SessionID, rep.SenderConnectionID, transport.ReasonForbidden,
			apperrors.ForbiddenError("Sender is not an active member of this call"))
	}
	return p, nil
}

// resolveTarget finds the member by peer ID, falling back to connection ID
func resolveTarget(members []domain.Participant, target string) (domain.Participant, bool) {
	if p, ok := lo.Find(members, func(p domain.Participant) bool { return p.PeerID == target }); ok {
		return p, true
	}
	return lo.Find(members, func(p domain.Participant) bool { return p.ConnectionID == target })
}
