package classifier

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"hostelfund/mail"
)

// OpenAIClient calls an OpenAI-compatible chat completions endpoint with
// JSON-mode responses. All model output is re-validated locally before it is
// allowed to influence ledger state.
type OpenAIClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewOpenAIClient constructs a classifier client. baseURL points at the
// API root, e.g. https://api.openai.com/v1.
func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role string `json:"role"`
	// Content is either a plain string or a []contentPart for multimodal
	// requests carrying attachment blobs.
	Content any `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

// attachmentPart encodes one attachment blob as a data URL content part so
// the model sees the actual receipt, not just its filename.
func attachmentPart(a mail.Attachment) contentPart {
	contentType := a.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return contentPart{
		Type: "image_url",
		ImageURL: &imageURL{
			URL: fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(a.Data)),
		},
	}
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *OpenAIClient) complete(ctx context.Context, system string, user any) (string, error) {
	reqBody := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	reqBody.ResponseFormat.Type = "json_object"

	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("classifier: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("classifier: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	// Every failure mode below is a no-decision: callers must escalate to a
	// human, never retry into silence or guess a confirmation.
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("classifier: call model: %v: %w", err, ErrNoDecision)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("classifier: model returned status %d: %w", resp.StatusCode, ErrNoDecision)
	}
	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("classifier: decode response: %v: %w", err, ErrNoDecision)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("classifier: empty choices: %w", ErrNoDecision)
	}
	return parsed.Choices[0].Message.Content, nil
}

const extractSystemPrompt = `You classify charity donation emails and extract payment receipts.
The attached images/documents are the payment evidence; read amounts and dates from them.
Respond with a single JSON object:
{"category":"RECEIPT_SUBMISSION"|"QUESTION"|"IRRELEVANT","summary":string,
 "valid_receipts":[{"filename":string,"amount":int,"declared_amount":int,"date":"YYYY-MM-DD","confidence_score":"HIGH"|"MEDIUM"|"LOW","duplicate_of":string|null,"rejection_reason":string|null}],
 "suggested_reply":string|null,"reasoning":string}
Amounts are integer minor currency units. amount is what the attached evidence shows; declared_amount is what the body text claims for the same transfer (repeat amount when the body is silent). Transfer dates must fall between the pledge date and the email date. When the body declares a total, extracted amounts must reconcile with it. Report only transfers with visible evidence; lower the confidence rather than inventing data. suggested_reply is only for QUESTION messages.`

type extractPayload struct {
	Category string `json:"category"`
	Summary  string `json:"summary"`
	Receipts []struct {
		Filename        string  `json:"filename"`
		Amount          int64   `json:"amount"`
		DeclaredAmount  int64   `json:"declared_amount"`
		Date            string  `json:"date"`
		ConfidenceScore string  `json:"confidence_score"`
		DuplicateOf     *string `json:"duplicate_of"`
		RejectionReason *string `json:"rejection_reason"`
	} `json:"valid_receipts"`
	SuggestedReply *string `json:"suggested_reply"`
	Reasoning      string  `json:"reasoning"`
}

// ExtractReceipt asks the model to classify one inbound email and extract
// any payment receipts it contains.
func (c *OpenAIClient) ExtractReceipt(ctx context.Context, in ExtractInput) (ExtractResult, error) {
	names := make([]string, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		names = append(names, a.Filename)
	}
	text := fmt.Sprintf(
		"Pledge: %s\nPledge date: %s\nEmail received: %s\nPromised amount (minor units): %d\nSubject: %s\nAttachments: %s\n\n%s",
		in.PledgeID,
		in.PledgeDate.UTC().Format("2006-01-02"),
		in.EmailAt.UTC().Format("2006-01-02"),
		in.PromisedAmount,
		in.Subject,
		strings.Join(names, ", "),
		in.Body,
	)
	parts := []contentPart{{Type: "text", Text: text}}
	for _, attachment := range in.Attachments {
		parts = append(parts, attachmentPart(attachment))
	}
	raw, err := c.complete(ctx, extractSystemPrompt, parts)
	if err != nil {
		return ExtractResult{}, err
	}
	return parseExtract(raw)
}

func parseExtract(raw string) (ExtractResult, error) {
	var payload extractPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return ExtractResult{}, fmt.Errorf("classifier: malformed extraction %q: %w", snippet(raw), ErrNoDecision)
	}
	category := Category(payload.Category)
	if !validCategory(category) {
		return ExtractResult{}, fmt.Errorf("classifier: category %q outside enum: %w", payload.Category, ErrNoDecision)
	}
	result := ExtractResult{
		Category:       category,
		Summary:        payload.Summary,
		SuggestedReply: deref(payload.SuggestedReply),
		Reasoning:      payload.Reasoning,
	}
	for _, r := range payload.Receipts {
		if r.Amount <= 0 {
			return ExtractResult{}, fmt.Errorf("classifier: non-positive amount %d: %w", r.Amount, ErrNoDecision)
		}
		confidence := Confidence(r.ConfidenceScore)
		if !validConfidence(confidence) {
			return ExtractResult{}, fmt.Errorf("classifier: confidence %q outside enum: %w", r.ConfidenceScore, ErrNoDecision)
		}
		transferDate, err := time.Parse("2006-01-02", r.Date)
		if err != nil {
			return ExtractResult{}, fmt.Errorf("classifier: transfer date %q: %w", r.Date, ErrNoDecision)
		}
		declared := r.DeclaredAmount
		if declared <= 0 {
			declared = r.Amount
		}
		result.Receipts = append(result.Receipts, ExtractedReceipt{
			Amount:          r.Amount,
			DeclaredAmount:  declared,
			TransferDate:    transferDate,
			Confidence:      confidence,
			Filename:        r.Filename,
			DuplicateOf:     deref(r.DuplicateOf),
			RejectionReason: deref(r.RejectionReason),
		})
	}
	return result, nil
}

const replySystemPrompt = `You classify replies from hostel administrators about fee allocations.
Respond with a single JSON object:
{"status":"CONFIRMED_ALL"|"PARTIAL"|"QUERY"|"AMBIGUOUS","confirmed_alloc_ids":[string],"reasoning":string}
Use PARTIAL only when specific allocation ids are confirmed and list exactly those ids. Use AMBIGUOUS whenever intent is unclear.`

type replyPayload struct {
	Status            string   `json:"status"`
	ConfirmedAllocIDs []string `json:"confirmed_alloc_ids"`
	Reasoning         string   `json:"reasoning"`
}

// ClassifyReply asks the model whether a hostel reply confirms the open
// allocations referenced by the thread.
func (c *OpenAIClient) ClassifyReply(ctx context.Context, in ReplyInput) (ReplyResult, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\nOpen allocations:\n", in.Subject)
	openIDs := make([]string, 0, len(in.OpenAllocations))
	for _, alloc := range in.OpenAllocations {
		openIDs = append(openIDs, alloc.AllocID)
		fmt.Fprintf(&b, "  %s: %d for %s\n", alloc.AllocID, alloc.Amount, alloc.BeneficiaryID)
	}
	b.WriteString("\nThread, newest first:\n")
	for _, msg := range in.Messages {
		fmt.Fprintf(&b, "--- From %s at %s ---\n%s\n", msg.From, msg.At.UTC().Format(time.RFC3339), msg.Body)
	}
	raw, err := c.complete(ctx, replySystemPrompt, b.String())
	if err != nil {
		return ReplyResult{}, err
	}
	return parseReply(raw, openIDs)
}

func parseReply(raw string, openIDs []string) (ReplyResult, error) {
	var payload replyPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return ReplyResult{}, fmt.Errorf("classifier: malformed reply classification %q: %w", snippet(raw), ErrNoDecision)
	}
	status := ReplyStatus(payload.Status)
	if !validReplyStatus(status) {
		return ReplyResult{}, fmt.Errorf("classifier: status %q outside enum: %w", payload.Status, ErrNoDecision)
	}
	result := ReplyResult{Status: status, Reasoning: payload.Reasoning}
	if status == ReplyPartial {
		if len(payload.ConfirmedAllocIDs) == 0 {
			return ReplyResult{}, fmt.Errorf("classifier: PARTIAL without allocation ids: %w", ErrNoDecision)
		}
		known := make(map[string]bool, len(openIDs))
		for _, id := range openIDs {
			known[id] = true
		}
		for _, id := range payload.ConfirmedAllocIDs {
			if !known[id] {
				return ReplyResult{}, fmt.Errorf("classifier: confirmed id %q not among open allocations: %w", id, ErrNoDecision)
			}
		}
		result.ConfirmedAllocIDs = payload.ConfirmedAllocIDs
	}
	return result, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func snippet(raw string) string {
	const max = 120
	raw = strings.TrimSpace(raw)
	if len(raw) > max {
		return raw[:max] + "..."
	}
	return raw
}

var _ Classifier = (*OpenAIClient)(nil)
