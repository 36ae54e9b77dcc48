package ledger

import (
	"context"
	"fmt"
)

// Drift describes one violated invariant found by VerifyInvariants.
type Drift struct {
	PledgeID string
	Detail   string
}

func (d Drift) String() string {
	return fmt.Sprintf("%s: %s", d.PledgeID, d.Detail)
}

// VerifyInvariants recomputes every pledge's totals from the receipt and
// allocation tables and flags drift against the stored rollups. Stored
// balances are an optimisation only; this diagnostic is the source of truth.
func (s *Store) VerifyInvariants(ctx context.Context) ([]Drift, error) {
	pledges, err := s.SnapshotPledges(ctx)
	if err != nil {
		return nil, err
	}
	var drifts []Drift
	for _, pledge := range pledges {
		verified, err := RecomputeVerifiedTotal(s.db.WithContext(ctx), pledge.ID)
		if err != nil {
			return nil, err
		}
		allocated, err := RecomputeAllocatedTotal(s.db.WithContext(ctx), pledge.ID)
		if err != nil {
			return nil, err
		}
		if verified != pledge.VerifiedTotal {
			drifts = append(drifts, Drift{
				PledgeID: pledge.ID,
				Detail:   fmt.Sprintf("stored verified_total %d, recomputed %d", pledge.VerifiedTotal, verified),
			})
		}
		if allocated != pledge.AllocatedTotal {
			drifts = append(drifts, Drift{
				PledgeID: pledge.ID,
				Detail:   fmt.Sprintf("stored allocated_total %d, recomputed %d", pledge.AllocatedTotal, allocated),
			})
		}
		if verified-allocated < 0 {
			drifts = append(drifts, Drift{
				PledgeID: pledge.ID,
				Detail:   fmt.Sprintf("negative balance: verified %d < allocated %d", verified, allocated),
			})
		}
		if allocated > verified {
			drifts = append(drifts, Drift{
				PledgeID: pledge.ID,
				Detail:   fmt.Sprintf("allocations %d exceed verified total %d", allocated, verified),
			})
		}
	}

	// No two VALID receipts may share the duplicate tuple.
	type dupe struct {
		PledgeID           string
		VerifiedAmount     int64
		NormalizedFilename string
		N                  int64
	}
	var dupes []dupe
	err = s.db.WithContext(ctx).Model(&Receipt{}).
		Select("pledge_id, verified_amount, normalized_filename, COUNT(*) as n").
		Where("status = ?", ReceiptValid).
		Group("pledge_id, verified_amount, transfer_date, normalized_filename").
		Having("COUNT(*) > 1").
		Scan(&dupes).Error
	if err != nil {
		return nil, err
	}
	for _, d := range dupes {
		drifts = append(drifts, Drift{
			PledgeID: d.PledgeID,
			Detail:   fmt.Sprintf("%d VALID receipts share tuple (amount=%d, file=%s)", d.N, d.VerifiedAmount, d.NormalizedFilename),
		})
	}

	// Every live allocation must carry both pre-commit message ids.
	var orphaned []Allocation
	err = s.db.WithContext(ctx).
		Where("status <> ? AND (hostel_msg_id = '' OR donor_notify_msg_id = '')", AllocationCancelled).
		Find(&orphaned).Error
	if err != nil {
		return nil, err
	}
	for _, row := range orphaned {
		drifts = append(drifts, Drift{
			PledgeID: row.PledgeID,
			Detail:   fmt.Sprintf("allocation %s missing notification message id", row.ID),
		})
	}
	return drifts, nil
}
