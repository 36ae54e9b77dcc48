package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	require.NoError(t, store.AttachConfidential(filepath.Join(dir, "confidential.db")))
	store.SetNowFunc(func() time.Time {
		return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	})
	return store
}

func TestIDSequences(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var first, second, otherYear, alloc, batch string
	err := store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if first, err = NextPledgeID(tx, 2026); err != nil {
			return err
		}
		if second, err = NextPledgeID(tx, 2026); err != nil {
			return err
		}
		if otherYear, err = NextPledgeID(tx, 2027); err != nil {
			return err
		}
		if alloc, err = NextAllocationID(tx); err != nil {
			return err
		}
		batch, err = NextBatchID(tx)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "PLEDGE-2026-1", first)
	require.Equal(t, "PLEDGE-2026-2", second)
	require.Equal(t, "PLEDGE-2027-1", otherYear)
	require.Equal(t, "ALLOC-1", alloc)
	require.Equal(t, "BATCH-1", batch)
}

func TestReceiptSequenceScopedToPledge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var a1, a2, b1 string
	err := store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		if a1, err = NextReceiptID(tx, "PLEDGE-2026-1"); err != nil {
			return err
		}
		if a2, err = NextReceiptID(tx, "PLEDGE-2026-1"); err != nil {
			return err
		}
		b1, err = NextReceiptID(tx, "PLEDGE-2026-2")
		return err
	})
	require.NoError(t, err)
	require.Equal(t, "PLEDGE-2026-1-R1", a1)
	require.Equal(t, "PLEDGE-2026-1-R2", a2)
	require.Equal(t, "PLEDGE-2026-2-R1", b1)
}

func TestSequenceRollsBackWithTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.Transaction(ctx, func(tx *gorm.DB) error {
		if _, err := NextAllocationID(tx); err != nil {
			return err
		}
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	var next string
	err = store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		next, err = NextAllocationID(tx)
		return err
	})
	require.NoError(t, err)
	// The rolled-back increment is gone; ids stay dense from the last commit.
	require.Equal(t, "ALLOC-1", next)
}

func TestFindDuplicateReceipt(t *testing.T) {
	store := newTestStore(t)
	transfer := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.DB().Create(&Receipt{
		ID:                 "PLEDGE-2026-1-R1",
		PledgeID:           "PLEDGE-2026-1",
		VerifiedAmount:     500000,
		TransferDate:       transfer,
		Filename:           "Receipt March.PDF",
		NormalizedFilename: NormalizeFilename("Receipt March.PDF"),
		Status:             ReceiptValid,
	}).Error)

	dup, err := FindDuplicateReceipt(store.DB(), "PLEDGE-2026-1", 500000, transfer, "receipt march.pdf")
	require.NoError(t, err)
	require.NotNil(t, dup)
	require.Equal(t, "PLEDGE-2026-1-R1", dup.ID)

	// Case and surrounding whitespace are canonicalised away.
	dup, err = FindDuplicateReceipt(store.DB(), "PLEDGE-2026-1", 500000, transfer, "  RECEIPT MARCH.PDF ")
	require.NoError(t, err)
	require.NotNil(t, dup)

	// A differing tuple member is not a duplicate.
	dup, err = FindDuplicateReceipt(store.DB(), "PLEDGE-2026-1", 600000, transfer, "receipt march.pdf")
	require.NoError(t, err)
	require.Nil(t, dup)
	dup, err = FindDuplicateReceipt(store.DB(), "PLEDGE-2026-2", 500000, transfer, "receipt march.pdf")
	require.NoError(t, err)
	require.Nil(t, dup)
}

func TestDuplicateCheckIgnoresNonValidReceipts(t *testing.T) {
	store := newTestStore(t)
	transfer := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.DB().Create(&Receipt{
		ID:                 "PLEDGE-2026-1-R1",
		PledgeID:           "PLEDGE-2026-1",
		VerifiedAmount:     500000,
		TransferDate:       transfer,
		NormalizedFilename: "receipt.pdf",
		Status:             ReceiptDuplicate,
	}).Error)

	dup, err := FindDuplicateReceipt(store.DB(), "PLEDGE-2026-1", 500000, transfer, "receipt.pdf")
	require.NoError(t, err)
	require.Nil(t, dup)
}

func TestRecomputeTotals(t *testing.T) {
	store := newTestStore(t)
	db := store.DB()

	require.NoError(t, db.Create(&Receipt{ID: "R1", PledgeID: "P1", VerifiedAmount: 200000, Status: ReceiptValid}).Error)
	require.NoError(t, db.Create(&Receipt{ID: "R2", PledgeID: "P1", VerifiedAmount: 300000, Status: ReceiptValid}).Error)
	require.NoError(t, db.Create(&Receipt{ID: "R3", PledgeID: "P1", VerifiedAmount: 999999, Status: ReceiptDuplicate}).Error)
	require.NoError(t, db.Create(&Receipt{ID: "R4", PledgeID: "P2", VerifiedAmount: 100000, Status: ReceiptValid}).Error)

	verified, err := RecomputeVerifiedTotal(db, "P1")
	require.NoError(t, err)
	require.Equal(t, int64(500000), verified)

	require.NoError(t, db.Create(&Allocation{ID: "A1", PledgeID: "P1", Amount: 150000, Status: AllocationPendingHostel}).Error)
	require.NoError(t, db.Create(&Allocation{ID: "A2", PledgeID: "P1", Amount: 100000, Status: AllocationCompleted}).Error)
	require.NoError(t, db.Create(&Allocation{ID: "A3", PledgeID: "P1", Amount: 500000, Status: AllocationCancelled}).Error)

	allocated, err := RecomputeAllocatedTotal(db, "P1")
	require.NoError(t, err)
	require.Equal(t, int64(250000), allocated)

	open, err := CountOpenAllocations(db, "P1")
	require.NoError(t, err)
	require.Equal(t, 1, open)
}

func TestProofLinks(t *testing.T) {
	store := newTestStore(t)
	db := store.DB()
	ctx := context.Background()

	require.NoError(t, db.Create(&Receipt{ID: "P1-R1", PledgeID: "P1", StorageLink: "receipts/P1/first.png", Status: ReceiptValid}).Error)
	require.NoError(t, db.Create(&Receipt{ID: "P1-R2", PledgeID: "P1", StorageLink: "receipts/P1/second.png", Status: ReceiptValid}).Error)
	require.NoError(t, db.Create(&Receipt{ID: "P1-R3", PledgeID: "P1", StorageLink: "receipts/P1/dup.png", Status: ReceiptDuplicate}).Error)
	require.NoError(t, db.Create(&Receipt{ID: "P2-R1", PledgeID: "P2", StorageLink: "", Status: ReceiptValid}).Error)
	require.NoError(t, db.Create(&Receipt{ID: "P3-R1", PledgeID: "P3", StorageLink: "receipts/P3/other.png", Status: ReceiptValid}).Error)

	links, err := store.ProofLinks(ctx, []string{"P1", "P2"})
	require.NoError(t, err)
	// Latest VALID receipt wins; non-valid rows and empty links are skipped.
	require.Equal(t, map[string]string{"P1": "receipts/P1/second.png"}, links)

	links, err = store.ProofLinks(ctx, nil)
	require.NoError(t, err)
	require.Empty(t, links)
}

func TestCountOpenAllocationsIncludesQueries(t *testing.T) {
	store := newTestStore(t)
	db := store.DB()

	require.NoError(t, db.Create(&Allocation{ID: "A1", PledgeID: "P1", Status: AllocationHostelQuery}).Error)
	require.NoError(t, db.Create(&Allocation{ID: "A2", PledgeID: "P1", Status: AllocationHostelVerified}).Error)

	open, err := CountOpenAllocations(db, "P1")
	require.NoError(t, err)
	require.Equal(t, 1, open)
}

func TestOpenAllocationsByReference(t *testing.T) {
	store := newTestStore(t)
	db := store.DB()
	ctx := context.Background()

	require.NoError(t, db.Create(&Allocation{ID: "A1", PledgeID: "P1", Status: AllocationPendingHostel}).Error)
	require.NoError(t, db.Create(&Allocation{ID: "A2", PledgeID: "P2", BatchID: "BATCH-1", Status: AllocationPendingHostel}).Error)
	require.NoError(t, db.Create(&Allocation{ID: "A3", PledgeID: "P3", Status: AllocationCompleted}).Error)

	grouped, err := store.OpenAllocationsByReference(ctx)
	require.NoError(t, err)

	require.Len(t, grouped["P1"], 1)
	require.Equal(t, "A1", grouped["P1"][0].ID)
	// Batched allocations answer to both the batch id and the pledge id.
	require.Len(t, grouped["BATCH-1"], 1)
	require.Len(t, grouped["P2"], 1)
	require.NotContains(t, grouped, "P3")

	require.Equal(t, []string{"BATCH-1", "P1", "P2"}, SortedReferenceKeys(grouped))
}

func TestListAvailablePledgesFiltersStatusAndBalance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rows := []Pledge{
		{ID: "P1", Status: PledgeProofSubmitted, VerifiedTotal: 100000},
		{ID: "P2", Status: PledgeVerified, VerifiedTotal: 100000, AllocatedTotal: 100000},
		{ID: "P3", Status: PledgePledged, VerifiedTotal: 100000},
		{ID: "P4", Status: PledgePartiallyAllocated, VerifiedTotal: 100000, AllocatedTotal: 40000},
	}
	for i := range rows {
		require.NoError(t, store.CreatePledge(ctx, &rows[i]))
	}

	available, err := store.ListAvailablePledges(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(available))
	for _, p := range available {
		ids = append(ids, p.ID)
	}
	require.Equal(t, []string{"P1", "P4"}, ids)
}

func TestAuditAppendAndCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAuditEvent(ctx, "ops@fund.example", AuditAllocation, "ALLOC-1", "allocated", "", "PENDING_HOSTEL", map[string]string{"amount": "200000"}))
	require.NoError(t, store.AppendAuditEvent(ctx, "", AuditAlert, "BATCH-1", "unmatched reply", "", "", nil))

	events, err := store.ListAudit(ctx, "ALLOC-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "ops@fund.example", events[0].Actor)
	require.JSONEq(t, `{"amount":"200000"}`, events[0].Metadata)

	// Blank actors are recorded as the system.
	events, err = store.ListAudit(ctx, "BATCH-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, SystemActor, events[0].Actor)
	require.Empty(t, events[0].Metadata)

	count, err := store.CountAudit(ctx, AuditAllocation, "")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
	count, err = store.CountAudit(ctx, AuditAlert, "BATCH-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}

func TestForcePledgeStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePledge(ctx, &Pledge{ID: "P1", Status: PledgeClosed}))

	require.Error(t, store.ForcePledgeStatus(ctx, "P1", PledgeVerified, "", "reopen"))
	require.Error(t, store.ForcePledgeStatus(ctx, "P1", PledgeVerified, SystemActor, "reopen"))

	require.NoError(t, store.ForcePledgeStatus(ctx, "P1", PledgeVerified, "admin@fund.example", "late receipt arrived"))

	pledge, err := store.GetPledge(ctx, "P1")
	require.NoError(t, err)
	require.Equal(t, PledgeVerified, pledge.Status)

	events, err := store.ListAudit(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, AuditStatusChange, events[0].Kind)
	require.Equal(t, "admin@fund.example", events[0].Actor)
	require.Contains(t, events[0].Description, "late receipt arrived")
	require.Equal(t, string(PledgeClosed), events[0].PrevValue)
	require.JSONEq(t, `{"forced":"true"}`, events[0].Metadata)
}

func TestConfidentialStoreIsSeparate(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	ctx := context.Background()

	// Without the attached store, confidential reads fail loudly.
	_, err = store.GetConfidential(ctx, "BEN-1")
	require.Error(t, err)

	require.NoError(t, store.AttachConfidential(filepath.Join(dir, "confidential.db")))
	require.NoError(t, store.PutConfidential(ctx, ConfidentialRecord{
		BeneficiaryID:   "BEN-1",
		Name:            "Student One",
		GuardianContact: "guardian@family.example",
	}))

	rec, err := store.GetConfidential(ctx, "BEN-1")
	require.NoError(t, err)
	require.Equal(t, "Student One", rec.Name)

	_, err = store.GetConfidential(ctx, "BEN-2")
	require.ErrorIs(t, err, ErrNotFound)

	// The operations database never sees the confidential table.
	require.False(t, store.DB().Migrator().HasTable(&ConfidentialRecord{}))
}

func TestGetPledgeNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetPledge(context.Background(), "P-MISSING")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLookupCacheRefresh(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreatePledge(ctx, &Pledge{ID: "P1", Status: PledgeVerified, VerifiedTotal: 500000, AllocatedTotal: 200000}))
	require.NoError(t, store.UpsertBeneficiary(ctx, Beneficiary{ID: "BEN-1", TotalDue: 900000, Pending: 700000}))

	cache := NewLookupCache()
	_, ok := cache.PledgeBalance("P1")
	require.False(t, ok)

	require.NoError(t, cache.Refresh(ctx, store))

	balance, ok := cache.PledgeBalance("P1")
	require.True(t, ok)
	require.Equal(t, int64(300000), balance)
	pending, ok := cache.PendingNeed("BEN-1")
	require.True(t, ok)
	require.Equal(t, int64(700000), pending)
	require.False(t, cache.RefreshedAt().IsZero())
}
