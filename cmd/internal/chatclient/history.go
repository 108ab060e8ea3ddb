package chatclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	v1 "talentchat/shared/contracts/realtime/v1"

	"github.com/goccy/go-json"
)

// HistoryClient loads message history pages over REST.
type HistoryClient struct {
	// BaseURL is the HTTP root of the chat server, e.g. https://chat.example.com.
	BaseURL string
	HTTP    *http.Client
}

// HistoryQuery selects a history page. AfterSeq of 0 starts at the beginning.
type HistoryQuery struct {
	AfterSeq int64
	Limit    int
}

// Fetch returns one page of conversationID's history, oldest first.
func (h *HistoryClient) Fetch(ctx context.Context, token, conversationID string, q HistoryQuery) (v1.HistoryResponse, error) {
	u, err := url.Parse(strings.TrimRight(h.BaseURL, "/") + "/v1/conversations/" + url.PathEscape(conversationID) + "/messages")
	if err != nil {
		return v1.HistoryResponse{}, fmt.Errorf("history url: %w", err)
	}
	qs := u.Query()
	if q.AfterSeq > 0 {
		qs.Set("afterSeq", strconv.FormatInt(q.AfterSeq, 10))
	}
	if q.Limit > 0 {
		qs.Set("limit", strconv.Itoa(q.Limit))
	}
	u.RawQuery = qs.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return v1.HistoryResponse{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	client := h.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return v1.HistoryResponse{}, fmt.Errorf("history request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return v1.HistoryResponse{}, fmt.Errorf("history read: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e v1.ErrorPayload
		if json.Unmarshal(body, &e) == nil && e.Code != "" {
			if resp.StatusCode == http.StatusUnauthorized {
				return v1.HistoryResponse{}, fmt.Errorf("%w: %s", ErrUnauthorized, e.Message)
			}
			return v1.HistoryResponse{}, &ServerError{Code: e.Code, Message: e.Message}
		}
		return v1.HistoryResponse{}, fmt.Errorf("history: unexpected status %d", resp.StatusCode)
	}

	var out v1.HistoryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return v1.HistoryResponse{}, fmt.Errorf("history decode: %w", err)
	}
	return out, nil
}
