package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPledgeTransitions(t *testing.T) {
	cases := []struct {
		from, to PledgeStatus
		ok       bool
	}{
		{PledgePledged, PledgePartialReceipt, true},
		{PledgePledged, PledgeProofSubmitted, true},
		{PledgePledged, PledgeCancelled, true},
		{PledgePartialReceipt, PledgeProofSubmitted, true},
		{PledgeProofSubmitted, PledgePartiallyAllocated, true},
		{PledgeProofSubmitted, PledgeRejected, true},
		{PledgeVerified, PledgeFullyAllocated, true},
		{PledgePartiallyAllocated, PledgeFullyAllocated, true},
		{PledgeFullyAllocated, PledgeClosed, true},
		{PledgeFullyAllocated, PledgePartiallyAllocated, true},

		{PledgePledged, PledgeFullyAllocated, false},
		{PledgeProofSubmitted, PledgeClosed, false},
		{PledgeClosed, PledgeVerified, false},
		{PledgeCancelled, PledgePledged, false},
		{PledgeRejected, PledgeProofSubmitted, false},
	}
	for _, tc := range cases {
		err := ValidatePledgeTransition(tc.from, tc.to)
		if tc.ok {
			require.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
		}
	}
}

func TestSameStateIsAlwaysAllowed(t *testing.T) {
	for _, status := range []PledgeStatus{PledgePledged, PledgeClosed, PledgeCancelled} {
		require.NoError(t, ValidatePledgeTransition(status, status))
	}
	require.NoError(t, ValidateAllocationTransition(AllocationCompleted, AllocationCompleted))
}

func TestAllocationTransitions(t *testing.T) {
	require.NoError(t, ValidateAllocationTransition(AllocationPendingHostel, AllocationHostelVerified))
	require.NoError(t, ValidateAllocationTransition(AllocationPendingHostel, AllocationHostelQuery))
	require.NoError(t, ValidateAllocationTransition(AllocationHostelQuery, AllocationPendingHostel))
	require.NoError(t, ValidateAllocationTransition(AllocationHostelVerified, AllocationCompleted))

	require.ErrorIs(t, ValidateAllocationTransition(AllocationPendingHostel, AllocationCompleted), ErrInvalidTransition)
	require.ErrorIs(t, ValidateAllocationTransition(AllocationCompleted, AllocationPendingHostel), ErrInvalidTransition)
	require.ErrorIs(t, ValidateAllocationTransition(AllocationCancelled, AllocationPendingHostel), ErrInvalidTransition)
}

func TestDerivePledgeStatus(t *testing.T) {
	base := func() *Pledge {
		return &Pledge{PromisedAmount: 100000, Status: PledgePledged}
	}

	p := base()
	require.Equal(t, PledgePledged, DerivePledgeStatus(p, 0, 0))

	p = base()
	p.VerifiedTotal = 40000
	require.Equal(t, PledgePartialReceipt, DerivePledgeStatus(p, 0, 0))

	p = base()
	p.VerifiedTotal = 100000
	require.Equal(t, PledgeProofSubmitted, DerivePledgeStatus(p, 0, 0))

	// Slack widens the proof threshold.
	p = base()
	p.VerifiedTotal = 99500
	require.Equal(t, PledgePartialReceipt, DerivePledgeStatus(p, 0, 0))
	require.Equal(t, PledgeProofSubmitted, DerivePledgeStatus(p, 0, 1000))

	p = base()
	p.VerifiedTotal = 100000
	p.AllocatedTotal = 40000
	require.Equal(t, PledgePartiallyAllocated, DerivePledgeStatus(p, 1, 0))

	p = base()
	p.VerifiedTotal = 100000
	p.AllocatedTotal = 100000
	require.Equal(t, PledgeFullyAllocated, DerivePledgeStatus(p, 2, 0))
	require.Equal(t, PledgeClosed, DerivePledgeStatus(p, 0, 0))

	// Terminal statuses never move.
	p = base()
	p.Status = PledgeCancelled
	p.VerifiedTotal = 100000
	require.Equal(t, PledgeCancelled, DerivePledgeStatus(p, 0, 0))
}

func TestFormatAmount(t *testing.T) {
	cases := map[int64]string{
		0:         "Rs 0.00",
		50:        "Rs 0.50",
		100:       "Rs 1.00",
		500000:    "Rs 5,000.00",
		6000000:   "Rs 60,000.00",
		123456789: "Rs 1,234,567.89",
		-250000:   "-Rs 2,500.00",
	}
	for minor, want := range cases {
		require.Equal(t, want, FormatAmount(minor))
	}
}
