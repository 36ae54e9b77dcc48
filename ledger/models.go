package ledger

import (
	"time"
)

// Amounts are integer minor currency units throughout; float drift is not
// acceptable on a donation ledger.

// PledgeStatus represents the lifecycle states of a donor pledge.
type PledgeStatus string

const (
	PledgePledged            PledgeStatus = "PLEDGED"
	PledgePartialReceipt     PledgeStatus = "PARTIAL_RECEIPT"
	PledgeProofSubmitted     PledgeStatus = "PROOF_SUBMITTED"
	PledgeVerified           PledgeStatus = "VERIFIED"
	PledgePartiallyAllocated PledgeStatus = "PARTIALLY_ALLOCATED"
	PledgeFullyAllocated     PledgeStatus = "FULLY_ALLOCATED"
	PledgeClosed             PledgeStatus = "CLOSED"
	PledgeCancelled          PledgeStatus = "CANCELLED"
	PledgeRejected           PledgeStatus = "REJECTED"
)

// AllocationStatus represents the lifecycle states of an allocation.
type AllocationStatus string

const (
	AllocationPendingHostel  AllocationStatus = "PENDING_HOSTEL"
	AllocationHostelQuery    AllocationStatus = "HOSTEL_QUERY"
	AllocationHostelVerified AllocationStatus = "HOSTEL_VERIFIED"
	AllocationCompleted      AllocationStatus = "COMPLETED"
	AllocationCancelled      AllocationStatus = "CANCELLED"
)

// ReceiptStatus classifies a stored payment proof.
type ReceiptStatus string

const (
	ReceiptValid          ReceiptStatus = "VALID"
	ReceiptDuplicate      ReceiptStatus = "DUPLICATE"
	ReceiptRejected       ReceiptStatus = "REJECTED"
	ReceiptRequiresReview ReceiptStatus = "REQUIRES_REVIEW"
)

// Confidence grades the LM extraction quality of a receipt.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// Pledge is a donor's commitment; parent of receipts and allocations.
type Pledge struct {
	ID             string `gorm:"primaryKey"`
	DonorEmail     string `gorm:"index"`
	DonorName      string
	Chapter        string
	PromisedAmount int64
	Zakat          bool
	RequestReceipt bool
	Status         PledgeStatus `gorm:"index"`
	VerifiedTotal  int64
	AllocatedTotal int64
	// ConfirmationMsgID anchors the donor's confirmation thread; RFC-822 id.
	ConfirmationMsgID string
	LastReceiptMsgID  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Balance is the operator's spendable figure.
func (p *Pledge) Balance() int64 {
	return p.VerifiedTotal - p.AllocatedTotal
}

// Outstanding is the unproven remainder of the promise.
func (p *Pledge) Outstanding() int64 {
	return p.PromisedAmount - p.VerifiedTotal
}

// Terminal reports whether the pledge has left the active lifecycle.
func (s PledgeStatus) Terminal() bool {
	switch s {
	case PledgeClosed, PledgeCancelled, PledgeRejected:
		return true
	default:
		return false
	}
}

// Allocatable reports whether the pledge may receive new allocations.
func (s PledgeStatus) Allocatable() bool {
	switch s {
	case PledgeProofSubmitted, PledgeVerified, PledgePartiallyAllocated:
		return true
	default:
		return false
	}
}

// Receipt is a payment proof artefact; child of exactly one pledge.
type Receipt struct {
	ID             string `gorm:"primaryKey"`
	PledgeID       string `gorm:"index"`
	ProcessedAt    time.Time
	EmailAt        time.Time
	TransferDate   time.Time
	DeclaredAmount int64
	VerifiedAmount int64
	Confidence     Confidence
	StorageLink    string
	Filename       string
	// NormalizedFilename backs the duplicate tuple check.
	NormalizedFilename string        `gorm:"index"`
	Status             ReceiptStatus `gorm:"index"`
}

// Allocation earmarks verified pledge funds to one beneficiary.
type Allocation struct {
	ID            string `gorm:"primaryKey"`
	PledgeID      string `gorm:"index"`
	BeneficiaryID string `gorm:"index"`
	Amount        int64
	Status        AllocationStatus `gorm:"index"`
	BatchID       string           `gorm:"index"`
	CreatedAt     time.Time

	HostelMsgID      string
	HostelAt         *time.Time
	DonorNotifyMsgID string
	DonorNotifyAt    *time.Time
	HostelReplyMsgID string
	HostelReplyAt    *time.Time
	DonorFinalMsgID  string
	DonorFinalAt     *time.Time
}

// Open reports whether the allocation still awaits hostel confirmation.
func (s AllocationStatus) Open() bool {
	return s == AllocationPendingHostel || s == AllocationHostelQuery
}

// Beneficiary is the operations projection: the only view the operator UI and
// most of the core may read. Sensitive identity fields live in
// ConfidentialRecord behind a separate store.
type Beneficiary struct {
	ID     string `gorm:"primaryKey"`
	School string
	// HostelEmail is the warden address verification requests go to.
	HostelEmail string
	TotalDue    int64
	Cleared     int64
	Pending     int64
	UpdatedAt   time.Time
}

// ConfidentialRecord holds the sensitive half of a beneficiary. It is read
// exclusively by notification templating and must never be serialised towards
// the operator UI.
type ConfidentialRecord struct {
	BeneficiaryID   string `gorm:"primaryKey"`
	Name            string
	GuardianContact string
	RoomReference   string
}

// AuditKind enumerates the closed set of audit event kinds.
type AuditKind string

const (
	AuditNewPledge           AuditKind = "NEW_PLEDGE"
	AuditReceiptProcessed    AuditKind = "RECEIPT_PROCESSED"
	AuditReceiptIgnored      AuditKind = "RECEIPT_IGNORED"
	AuditDonorQuery          AuditKind = "DONOR_QUERY"
	AuditAllocation          AuditKind = "ALLOCATION"
	AuditBatchAllocation     AuditKind = "BATCH_ALLOCATION"
	AuditPartialVerification AuditKind = "PARTIAL_VERIFICATION"
	AuditHostelVerification  AuditKind = "HOSTEL_VERIFICATION"
	AuditHostelQuery         AuditKind = "HOSTEL_QUERY"
	AuditStatusChange        AuditKind = "STATUS_CHANGE"
	AuditAlert               AuditKind = "ALERT"
)

// SystemActor is recorded when no operator identity is attached to a mutation.
const SystemActor = "SYSTEM"

// AuditEvent is an immutable row recording a state transition or notable
// action. Rows are appended and never updated or deleted.
type AuditEvent struct {
	ID          string `gorm:"primaryKey"`
	At          time.Time
	Actor       string
	Kind        AuditKind `gorm:"index"`
	TargetID    string    `gorm:"index"`
	Description string
	PrevValue   string
	NewValue    string
	// Metadata is a JSON-encoded free-form map.
	Metadata string
}

// counter backs monotonic id generation for pledges, allocations, batches and
// per-pledge receipt sequences.
type counter struct {
	Name  string `gorm:"primaryKey"`
	Value int64
}
