package realtime

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	v1 "talentchat/shared/contracts/realtime/v1"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
)

// HistoryHandler serves GET /v1/conversations/{conversationID}/messages.
//
// Query params:
//   - afterSeq: only messages with seq > afterSeq
//   - limit: page size (default 50, max 200)
type HistoryHandler struct {
	g *WSGateway
}

// HistoryHandler returns the REST history endpoint sharing the gateway's auth and stores.
func (g *WSGateway) HistoryHandler() *HistoryHandler {
	return &HistoryHandler{g: g}
}

func (h *HistoryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g := h.g
	now := time.Now().UTC()

	claims, err := g.authenticate(r, now)
	if err != nil {
		writeJSONError(w, http.StatusUnauthorized, v1.CodeInvalidToken, "unauthorized")
		return
	}

	convID := strings.TrimSpace(chi.URLParam(r, "conversationID"))
	if convID == "" || len(convID) > 128 {
		writeJSONError(w, http.StatusBadRequest, v1.CodeBadPayload, "invalid conversation id")
		return
	}

	in := FetchHistoryInput{ConversationID: convID}
	q := r.URL.Query()
	if v := q.Get("afterSeq"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, v1.CodeBadPayload, "invalid afterSeq")
			return
		}
		in.AfterSeq = &n
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, v1.CodeBadPayload, "invalid limit")
			return
		}
		in.Limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeCallTimeout)
	defer cancel()

	if g.members != nil {
		ok, err := g.members.IsMember(ctx, claims.UserID, convID)
		if err != nil {
			g.log.Error("http.history.membership.fail", "conversation_id", convID, "err", err)
			writeJSONError(w, http.StatusServiceUnavailable, v1.CodeStoreUnavailable, "membership check failed")
			return
		}
		if !ok {
			writeJSONError(w, http.StatusForbidden, v1.CodeForbidden, "not a member of conversation")
			return
		}
	}

	start := time.Now()
	out, err := g.store.FetchHistory(ctx, in)
	g.metrics.observeStore("history", start)
	if err != nil {
		status, code := http.StatusInternalServerError, v1.CodeReadFailed
		if errors.Is(err, ErrStoreUnavailable) {
			status, code = http.StatusServiceUnavailable, v1.CodeStoreUnavailable
		}
		g.log.Warn("http.history.fail", "conversation_id", convID, "err", err)
		writeJSONError(w, status, code, "failed to load history")
		return
	}

	resp := v1.HistoryResponse{
		ConversationID: convID,
		Messages:       make([]v1.Message, 0, len(out.Messages)),
		HasMore:        out.HasMore,
	}
	for _, m := range out.Messages {
		resp.Messages = append(resp.Messages, m.Wire())
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, v1.ErrorPayload{Code: code, Message: msg})
}
