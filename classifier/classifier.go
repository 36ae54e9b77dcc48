// Package classifier wraps the language-model service behind two narrow,
// schema-validated operations: receipt extraction and hostel-reply
// classification. Responses that fail schema or enum validation surface
// ErrNoDecision; callers route those to manual review instead of guessing.
package classifier

import (
	"context"
	"errors"
	"time"

	"hostelfund/mail"
)

// ErrNoDecision means the model produced no usable, schema-valid answer.
// It is not an outage: the caller must fall back to a human.
var ErrNoDecision = errors.New("classifier: no decision")

// Category labels an inbound message during receipt extraction.
type Category string

const (
	CategoryReceiptSubmission Category = "RECEIPT_SUBMISSION"
	CategoryQuestion          Category = "QUESTION"
	CategoryIrrelevant        Category = "IRRELEVANT"
)

// Confidence grades an extracted amount.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// ReplyStatus labels a hostel reply thread.
type ReplyStatus string

const (
	ReplyConfirmedAll ReplyStatus = "CONFIRMED_ALL"
	ReplyPartial      ReplyStatus = "PARTIAL"
	ReplyQuery        ReplyStatus = "QUERY"
	ReplyAmbiguous    ReplyStatus = "AMBIGUOUS"
)

// ExtractInput carries one inbound donor email plus the pledge context the
// model needs to sanity-check dates and amounts. Attachments carry the full
// blobs: the verified amount comes from the receipt image itself, not from
// the filename or the body text.
type ExtractInput struct {
	Subject        string
	Body           string
	Attachments    []mail.Attachment
	PledgeID       string
	PledgeDate     time.Time
	EmailAt        time.Time
	PromisedAmount int64
}

// ExtractedReceipt is one payment evidence the model found.
type ExtractedReceipt struct {
	// Amount is the figure visible on the evidence, in minor currency units.
	Amount int64
	// DeclaredAmount is what the email body claims for this transfer; it may
	// disagree with Amount, and the gap is what reconciliation audits.
	DeclaredAmount int64
	TransferDate   time.Time
	Confidence     Confidence
	// Filename names the attachment backing this receipt, empty when the
	// evidence is inline text only.
	Filename string
	// DuplicateOf references an earlier receipt the model believes this
	// repeats; advisory only, the ledger runs its own duplicate check.
	DuplicateOf string
	// RejectionReason is set when the model flags the evidence as unusable.
	RejectionReason string
}

// ExtractResult is the validated output of receipt extraction.
type ExtractResult struct {
	Category Category
	Summary  string
	Receipts []ExtractedReceipt
	// SuggestedReply is only present for QUESTION messages.
	SuggestedReply string
	Reasoning      string
}

// ThreadMessage is one message of a reply thread, newest first.
type ThreadMessage struct {
	From string
	At   time.Time
	Body string
}

// OpenAllocation is the context line for one unconfirmed allocation.
type OpenAllocation struct {
	AllocID       string `json:"alloc_id"`
	Amount        int64  `json:"amount"`
	BeneficiaryID string `json:"beneficiary_id"`
}

// ReplyInput carries a hostel reply thread plus the open allocations it may
// be confirming.
type ReplyInput struct {
	Subject         string
	Messages        []ThreadMessage
	OpenAllocations []OpenAllocation
}

// ReplyResult is the validated output of reply classification.
type ReplyResult struct {
	Status ReplyStatus
	// ConfirmedAllocIDs is populated for PARTIAL; it must be a subset of
	// the open allocation ids supplied in the input.
	ConfirmedAllocIDs []string
	Reasoning         string
}

// Classifier is the contract the ingestor and the watchdog depend on.
type Classifier interface {
	ExtractReceipt(ctx context.Context, in ExtractInput) (ExtractResult, error)
	ClassifyReply(ctx context.Context, in ReplyInput) (ReplyResult, error)
}

func validCategory(c Category) bool {
	switch c {
	case CategoryReceiptSubmission, CategoryQuestion, CategoryIrrelevant:
		return true
	}
	return false
}

func validConfidence(c Confidence) bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	}
	return false
}

func validReplyStatus(s ReplyStatus) bool {
	switch s {
	case ReplyConfirmedAll, ReplyPartial, ReplyQuery, ReplyAmbiguous:
		return true
	}
	return false
}
