package ledger

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is wrapped by every transition rejection so callers can
// surface the INVALID_TRANSITION error code.
var ErrInvalidTransition = errors.New("invalid transition")

var pledgeTransitions = map[PledgeStatus][]PledgeStatus{
	PledgePledged:        {PledgePartialReceipt, PledgeProofSubmitted, PledgeCancelled},
	PledgePartialReceipt: {PledgePartialReceipt, PledgeProofSubmitted, PledgeCancelled},
	PledgeProofSubmitted: {PledgeVerified, PledgePartiallyAllocated, PledgeRejected},
	PledgeVerified:       {PledgePartiallyAllocated, PledgeFullyAllocated},
	// VERIFIED on undo, FULLY_ALLOCATED when the balance is spent.
	PledgePartiallyAllocated: {PledgeFullyAllocated, PledgeVerified},
	// CLOSED once every child allocation is hostel-verified.
	PledgeFullyAllocated: {PledgeClosed, PledgePartiallyAllocated},
	PledgeClosed:         {},
	PledgeCancelled:      {},
	PledgeRejected:       {},
}

var allocationTransitions = map[AllocationStatus][]AllocationStatus{
	AllocationPendingHostel:  {AllocationHostelVerified, AllocationHostelQuery, AllocationCancelled},
	AllocationHostelQuery:    {AllocationPendingHostel, AllocationCancelled},
	AllocationHostelVerified: {AllocationCompleted},
	AllocationCompleted:      {},
	AllocationCancelled:      {},
}

// ValidatePledgeTransition enforces the pledge state machine at the write
// boundary. Terminal states admit no transition here; reactivation goes
// through ForcePledgeStatus with an explicit audited actor.
func ValidatePledgeTransition(current, next PledgeStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := pledgeTransitions[current]
	if !ok {
		return fmt.Errorf("%w: unknown pledge status %s", ErrInvalidTransition, current)
	}
	for _, candidate := range allowed {
		if candidate == next {
			return nil
		}
	}
	return fmt.Errorf("%w: pledge %s -> %s", ErrInvalidTransition, current, next)
}

// ValidateAllocationTransition enforces the allocation state machine.
func ValidateAllocationTransition(current, next AllocationStatus) error {
	if current == next {
		return nil
	}
	allowed, ok := allocationTransitions[current]
	if !ok {
		return fmt.Errorf("%w: unknown allocation status %s", ErrInvalidTransition, current)
	}
	for _, candidate := range allowed {
		if candidate == next {
			return nil
		}
	}
	return fmt.Errorf("%w: allocation %s -> %s", ErrInvalidTransition, current, next)
}

// DerivePledgeStatus recomputes the receipt/allocation-driven status of a
// pledge from its rolled-up totals. verificationSlack widens the
// proof-submitted threshold: the pledge counts as fully proven once
// verified_total >= promised - slack.
func DerivePledgeStatus(p *Pledge, openAllocations int, verificationSlack int64) PledgeStatus {
	switch {
	case p.Status.Terminal():
		return p.Status
	case p.VerifiedTotal <= 0:
		return PledgePledged
	case p.AllocatedTotal > 0 && p.Balance() <= 0:
		if openAllocations == 0 {
			return PledgeClosed
		}
		return PledgeFullyAllocated
	case p.AllocatedTotal > 0:
		return PledgePartiallyAllocated
	case p.VerifiedTotal+verificationSlack >= p.PromisedAmount:
		return PledgeProofSubmitted
	default:
		return PledgePartialReceipt
	}
}
