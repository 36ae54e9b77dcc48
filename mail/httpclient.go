package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// HTTPGateway talks to the mail service's REST bridge. It satisfies Gateway.
type HTTPGateway struct {
	baseURL   string
	authToken string
	selfAddr  string
	client    *http.Client
	// sendLimiter paces outbound sends against the provider quota. Reads and
	// label operations are not limited.
	sendLimiter *rate.Limiter
}

// NewHTTPGateway constructs a gateway client. selfAddr is the engine's own
// mailbox address, sent as the From header on outbound messages.
// sendRatePerMinute caps outbound message sends; values <= 0 disable pacing.
func NewHTTPGateway(baseURL, authToken, selfAddr string, timeout time.Duration, sendRatePerMinute int) *HTTPGateway {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if sendRatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(sendRatePerMinute)/60.0), 1)
	}
	return &HTTPGateway{
		baseURL:     baseURL,
		authToken:   authToken,
		selfAddr:    selfAddr,
		client:      &http.Client{Timeout: timeout},
		sendLimiter: limiter,
	}
}

func (g *HTTPGateway) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+g.authToken)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("mail gateway request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("mail gateway %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(detail))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type threadEnvelope struct {
	Threads []Thread `json:"threads"`
}

// Search evaluates a rendered query string server-side.
func (g *HTTPGateway) Search(ctx context.Context, query string, limit int) ([]Thread, error) {
	params := url.Values{}
	params.Set("q", query)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var envelope threadEnvelope
	if err := g.do(ctx, http.MethodGet, "/v1/threads?"+params.Encode(), nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Threads, nil
}

// EnsureLabel creates the label if it does not already exist.
func (g *HTTPGateway) EnsureLabel(ctx context.Context, name string) error {
	return g.do(ctx, http.MethodPut, "/v1/labels/"+url.PathEscape(name), nil, nil)
}

func (g *HTTPGateway) ApplyLabel(ctx context.Context, threadID, label string) error {
	path := "/v1/threads/" + url.PathEscape(threadID) + "/labels/" + url.PathEscape(label)
	return g.do(ctx, http.MethodPut, path, nil, nil)
}

func (g *HTTPGateway) RemoveLabel(ctx context.Context, threadID, label string) error {
	path := "/v1/threads/" + url.PathEscape(threadID) + "/labels/" + url.PathEscape(label)
	return g.do(ctx, http.MethodDelete, path, nil, nil)
}

type messageEnvelope struct {
	Messages []Message `json:"messages"`
}

// FetchMessages returns the thread's messages, oldest first.
func (g *HTTPGateway) FetchMessages(ctx context.Context, threadID string) ([]Message, error) {
	var envelope messageEnvelope
	path := "/v1/threads/" + url.PathEscape(threadID) + "/messages"
	if err := g.do(ctx, http.MethodGet, path, nil, &envelope); err != nil {
		return nil, err
	}
	return envelope.Messages, nil
}

type outboundRequest struct {
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Cc          []string     `json:"cc,omitempty"`
	Bcc         []string     `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	HTMLBody    string       `json:"html_body"`
	InReplyTo   string       `json:"in_reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

func (g *HTTPGateway) outbound(out Outbound) outboundRequest {
	return outboundRequest{
		From:        g.selfAddr,
		To:          out.To,
		Cc:          out.Cc,
		Bcc:         out.Bcc,
		Subject:     out.Subject,
		HTMLBody:    out.HTMLBody,
		InReplyTo:   out.InReplyTo,
		Attachments: out.Attachments,
	}
}

type draftResponse struct {
	ID       string `json:"id"`
	RFC822ID string `json:"rfc822_msg_id"`
}

// CreateDraft stages an outbound message so its RFC-822 id can be recorded
// before the send is visible to recipients.
func (g *HTTPGateway) CreateDraft(ctx context.Context, out Outbound) (Draft, error) {
	var resp draftResponse
	if err := g.do(ctx, http.MethodPost, "/v1/drafts", g.outbound(out), &resp); err != nil {
		return Draft{}, err
	}
	return Draft{ID: resp.ID, RFC822ID: resp.RFC822ID, Outbound: out}, nil
}

// SendDraft dispatches a previously staged draft.
func (g *HTTPGateway) SendDraft(ctx context.Context, draft Draft) (Message, error) {
	if err := g.sendLimiter.Wait(ctx); err != nil {
		return Message{}, err
	}
	var sent Message
	path := "/v1/drafts/" + url.PathEscape(draft.ID) + "/send"
	if err := g.do(ctx, http.MethodPost, path, nil, &sent); err != nil {
		return Message{}, err
	}
	if sent.RFC822ID == "" {
		sent.RFC822ID = draft.RFC822ID
	}
	return sent, nil
}

// ReplyInThread sends into the thread anchored by rfc822ID. The bridge falls
// back to a fresh top-level send when the id no longer resolves, so callers
// always get a delivered message back.
func (g *HTTPGateway) ReplyInThread(ctx context.Context, rfc822ID string, out Outbound) (Message, error) {
	if err := g.sendLimiter.Wait(ctx); err != nil {
		return Message{}, err
	}
	body := g.outbound(out)
	body.InReplyTo = rfc822ID
	var sent Message
	if err := g.do(ctx, http.MethodPost, "/v1/messages/reply", body, &sent); err != nil {
		return Message{}, err
	}
	return sent, nil
}

var _ Gateway = (*HTTPGateway)(nil)
