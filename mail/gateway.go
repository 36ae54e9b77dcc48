// Package mail abstracts the external mail service behind a vendor-neutral
// contract. RFC-822 message ids are the only durable correlation key; vendor
// thread ids are accepted as a lookup accelerator but never persisted.
package mail

import (
	"context"
	"time"
)

// Labels form a closed set shared between the ingestor and the watchdog.
const (
	LabelToProcess            = "receipts/to-process"
	LabelProcessed            = "receipts/processed"
	LabelUnmatched            = "receipts/unmatched"
	LabelWatchdogProcessed    = "watchdog/processed"
	LabelWatchdogManualReview = "watchdog/manual-review"
)

// Attachment carries one decoded attachment blob.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
}

// Message is a single mail message within a thread.
type Message struct {
	// RFC822ID is the globally unique Message-ID header value.
	RFC822ID string
	// ThreadID is the vendor accelerator; do not store it.
	ThreadID    string
	From        string
	To          []string
	Cc          []string
	Subject     string
	Body        string
	HTMLBody    string
	InReplyTo   string
	ReceivedAt  time.Time
	Attachments []Attachment
}

// Thread is a lightweight search result.
type Thread struct {
	ID      string
	Subject string
	Labels  []string
}

// Outbound describes a message to be drafted and sent.
type Outbound struct {
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	HTMLBody    string
	InReplyTo   string
	Attachments []Attachment
}

// Draft is a staged outbound message. The two-step draft/send flow lets
// callers capture the RFC-822 id before the message is visible to recipients.
type Draft struct {
	ID       string
	RFC822ID string
	Outbound Outbound
}

// Gateway is the contract every mail vendor adapter must satisfy. All label
// operations are idempotent.
type Gateway interface {
	// Search evaluates a query (see Query) against the mail index.
	Search(ctx context.Context, query string, limit int) ([]Thread, error)
	// EnsureLabel creates the label if missing.
	EnsureLabel(ctx context.Context, name string) error
	ApplyLabel(ctx context.Context, threadID, label string) error
	RemoveLabel(ctx context.Context, threadID, label string) error
	// FetchMessages returns a thread's messages, oldest first.
	FetchMessages(ctx context.Context, threadID string) ([]Message, error)
	CreateDraft(ctx context.Context, out Outbound) (Draft, error)
	SendDraft(ctx context.Context, draft Draft) (Message, error)
	// ReplyInThread sends into the thread anchored by an RFC-822 id,
	// falling back to a fresh send when the id no longer resolves.
	ReplyInThread(ctx context.Context, rfc822ID string, out Outbound) (Message, error)
}
