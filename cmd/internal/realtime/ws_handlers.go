package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"talentchat/cmd/internal/auth/session"
	v1 "talentchat/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// eventError is a recoverable per-event failure reported to the client as an error envelope.
type eventError struct {
	code      string
	msg       string
	requestID string
}

func (e *eventError) Error() string { return e.code + ": " + e.msg }

// errSessionExpired ends the connection: a protected action arrived after the credential lapsed.
var errSessionExpired = errors.New("realtime: session expired")

type expiredError struct{ requestID string }

func (e *expiredError) Error() string { return errSessionExpired.Error() }
func (e *expiredError) Unwrap() error { return errSessionExpired }

func requestIDOf(err error) string {
	var e *expiredError
	if errors.As(err, &e) {
		return e.requestID
	}
	return ""
}

func badPayload(err error, requestID string) *eventError {
	return &eventError{code: v1.CodeBadPayload, msg: err.Error(), requestID: requestID}
}

// requireFreshToken guards protected actions.
func (s *wsSession) requireFreshToken(now time.Time, requestID string) error {
	if !s.client.TokenExpired(now) {
		return nil
	}
	s.log.Info("ws.token.stale", "expired_at", s.client.ExpiresAt())
	return &expiredError{requestID: requestID}
}

func (s *wsSession) room() *Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joined
}

// leaveLocked drops the current room membership. Caller holds s.mu.
// A member that was typing is announced as stopped to the remaining members.
func (s *wsSession) leaveLocked() {
	conv := s.joined
	s.joined = nil
	wasTyping := s.client.SetTyping(false)
	s.g.hub.Leave(conv, s.client.SessionID)
	if wasTyping {
		conv.Broadcast(newEnvelope(v1.TypeStopTyping, v1.TypingPayload{
			ConversationID: conv.ID,
			UserID:         s.client.UserID,
		}, time.Now().UTC()))
	}
}

func (s *wsSession) onJoin(env v1.Envelope, now time.Time) error {
	var p v1.ConversationPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err, "")
	}
	p.ConversationID = strings.TrimSpace(p.ConversationID)
	if err := validatePayload(p); err != nil {
		return badPayload(err, "")
	}
	if err := s.requireFreshToken(now, ""); err != nil {
		return err
	}

	if s.g.members != nil {
		ctx, cancel := context.WithTimeout(s.ctx, storeCallTimeout)
		ok, err := s.g.members.IsMember(ctx, s.client.UserID, p.ConversationID)
		cancel()
		if err != nil {
			s.log.Error("ws.join.membership.fail", "conversation_id", p.ConversationID, "err", err)
			return &eventError{code: v1.CodeStoreUnavailable, msg: "membership check failed"}
		}
		if !ok {
			return &eventError{code: v1.CodeForbidden, msg: "not a member of conversation"}
		}
	}

	s.mu.Lock()
	if s.joined != nil && s.joined.ID != p.ConversationID {
		s.leaveLocked()
	}
	if s.joined == nil {
		s.joined = s.g.hub.Join(p.ConversationID, s.client)
	}
	s.mu.Unlock()

	s.enqueue(newEnvelope(v1.TypeConversationJoined, v1.ConversationPayload{ConversationID: p.ConversationID}, now))
	return nil
}

func (s *wsSession) onLeave(env v1.Envelope) error {
	var p v1.ConversationPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err, "")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Leaving a room we are not in is a no-op.
	if s.joined != nil && s.joined.ID == strings.TrimSpace(p.ConversationID) {
		s.leaveLocked()
	}
	return nil
}

func (s *wsSession) onSendMessage(env v1.Envelope, now time.Time) error {
	var p v1.SendMessagePayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err, "")
	}
	p.Content = strings.TrimSpace(p.Content)
	if err := validatePayload(p); err != nil {
		return badPayload(err, p.RequestID)
	}
	if n := utf8.RuneCountInString(p.Content); n > maxMessageChars {
		return badPayload(fmt.Errorf("message too long: max=%d chars", maxMessageChars), p.RequestID)
	}
	if err := s.requireFreshToken(now, p.RequestID); err != nil {
		return err
	}

	conv := s.room()
	if conv == nil || conv.ID != p.ConversationID {
		return &eventError{code: v1.CodeNotJoined, msg: "join the conversation first", requestID: p.RequestID}
	}

	var (
		err        error
		ackDropped bool
	)
	conv.Sequenced(func() {
		start := time.Now()
		ctx, cancel := context.WithTimeout(s.ctx, storeCallTimeout)
		var res AppendMessageResult
		res, err = s.g.store.AppendMessage(ctx, AppendMessageInput{
			ConversationID: p.ConversationID,
			RequestID:      p.RequestID,
			SenderID:       s.client.UserID,
			Content:        p.Content,
			Now:            now,
		})
		cancel()
		s.g.metrics.observeStore("append", start)
		if err != nil {
			return
		}

		msg := res.Stored.Wire()
		if !s.enqueue(newEnvelope(v1.TypeMessageAck, v1.MessageAckPayload{RequestID: p.RequestID, Message: msg}, now)) {
			s.log.Warn("chat.ack.drop", "request_id", p.RequestID, "message_id", msg.ID)
			ackDropped = true
		}
		if res.Duplicated {
			return
		}
		s.g.metrics.MessagesPersisted.Inc()
		conv.Broadcast(newEnvelope(v1.TypeNewMessage, msg, now))
	})
	if err != nil {
		s.log.Warn("chat.send.fail", "conversation_id", p.ConversationID, "request_id", p.RequestID, "err", err)
		code := v1.CodeSendFailed
		if errors.Is(err, ErrStoreUnavailable) {
			code = v1.CodeStoreUnavailable
		}
		return &eventError{code: code, msg: "failed to send message", requestID: p.RequestID}
	}
	if ackDropped {
		// The sender would wait for an ack that never comes; closing fails its
		// pending send now, and a resend after reconnect is deduplicated.
		s.shutdown(websocket.StatusTryAgainLater, "send queue full")
	}
	return nil
}

func (s *wsSession) onTyping(env v1.Envelope, now time.Time) error {
	var p v1.TypingPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err, "")
	}
	if err := validatePayload(p); err != nil {
		return badPayload(err, "")
	}

	conv := s.room()
	if conv == nil || conv.ID != p.ConversationID {
		return &eventError{code: v1.CodeNotJoined, msg: "join the conversation first"}
	}

	s.client.SetTyping(env.Type == v1.TypeTyping)
	conv.BroadcastExcept(s.client.SessionID, newEnvelope(env.Type, v1.TypingPayload{
		ConversationID: conv.ID,
		UserID:         s.client.UserID,
	}, now))
	return nil
}

func (s *wsSession) onMarkRead(env v1.Envelope, now time.Time) error {
	var p v1.MarkMessageReadPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err, "")
	}
	if err := validatePayload(p); err != nil {
		return badPayload(err, "")
	}
	if err := s.requireFreshToken(now, ""); err != nil {
		return err
	}

	conv := s.room()
	if conv == nil {
		return &eventError{code: v1.CodeNotJoined, msg: "join the conversation first"}
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(s.ctx, storeCallTimeout)
	res, err := s.g.store.MarkRead(ctx, MarkReadInput{
		ConversationID: conv.ID,
		MessageID:      p.MessageID,
		UserID:         s.client.UserID,
		Now:            now,
	})
	cancel()
	s.g.metrics.observeStore("mark_read", start)

	switch {
	case errors.Is(err, ErrMessageNotFound):
		return &eventError{code: v1.CodeNotFound, msg: "message not found in conversation"}
	case errors.Is(err, ErrStoreUnavailable):
		return &eventError{code: v1.CodeStoreUnavailable, msg: "failed to mark message read"}
	case err != nil:
		s.log.Warn("chat.read.fail", "message_id", p.MessageID, "err", err)
		return &eventError{code: v1.CodeReadFailed, msg: "failed to mark message read"}
	}

	conv.Broadcast(newEnvelope(v1.TypeMessageRead, v1.MessageReadPayload{
		MessageID:      p.MessageID,
		ConversationID: conv.ID,
		UserID:         s.client.UserID,
		ReadAt:         res.Receipt.ReadAt,
	}, now))
	return nil
}

func (s *wsSession) onRefreshToken(env v1.Envelope, now time.Time) error {
	var p v1.RefreshTokenPayload
	if err := env.Decode(&p); err != nil {
		return badPayload(err, "")
	}
	if err := validatePayload(p); err != nil {
		return badPayload(err, "")
	}

	ctx, cancel := context.WithTimeout(s.ctx, storeCallTimeout)
	claims, err := s.g.auth.ValidateRefresh(ctx, s.client.Claims(), p.Token, now)
	cancel()
	if err != nil {
		s.log.Info("ws.token.refresh.reject", "err", err)
		code := v1.CodeInvalidToken
		if errors.Is(err, session.ErrTokenExpired) {
			code = v1.CodeTokenExpired
		}
		return &eventError{code: code, msg: "token refresh rejected"}
	}

	s.client.SetClaims(claims)
	s.log.Info("ws.token.refreshed", "expires_at", claims.ExpiresAt)
	s.enqueue(newEnvelope(v1.TypeTokenRefreshed, v1.TokenRefreshedPayload{ExpiresAt: claims.ExpiresAt}, now))
	return nil
}
