package ledger

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func seedExportFixture(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC)

	require.NoError(t, store.CreatePledge(ctx, &Pledge{
		ID:                "PLEDGE-2026-1",
		DonorEmail:        "donor@example.com",
		DonorName:         "A Donor",
		Chapter:           "Karachi",
		PromisedAmount:    6000000,
		Zakat:             true,
		RequestReceipt:    true,
		Status:            PledgeVerified,
		VerifiedTotal:     6000000,
		AllocatedTotal:    200000,
		ConfirmationMsgID: "<confirm-1@mail.example>",
		CreatedAt:         created,
		UpdatedAt:         created,
	}))
	require.NoError(t, store.CreatePledge(ctx, &Pledge{
		ID:             "PLEDGE-2026-2",
		DonorEmail:     "other@example.com",
		Status:         PledgePledged,
		PromisedAmount: 500000,
		CreatedAt:      created.Add(time.Hour),
		UpdatedAt:      created.Add(time.Hour),
	}))

	require.NoError(t, store.DB().Create(&Receipt{
		ID:                 "PLEDGE-2026-1-R1",
		PledgeID:           "PLEDGE-2026-1",
		ProcessedAt:        created,
		EmailAt:            created,
		TransferDate:       created,
		DeclaredAmount:     6000000,
		VerifiedAmount:     6000000,
		Confidence:         ConfidenceHigh,
		StorageLink:        "blobs/2026/receipt.pdf",
		Filename:           "receipt.pdf",
		NormalizedFilename: "receipt.pdf",
		Status:             ReceiptValid,
	}).Error)

	hostelAt := created.Add(2 * time.Hour)
	require.NoError(t, store.DB().Create(&Allocation{
		ID:               "ALLOC-1",
		PledgeID:         "PLEDGE-2026-1",
		BeneficiaryID:    "BEN-1",
		Amount:           200000,
		Status:           AllocationPendingHostel,
		CreatedAt:        created.Add(time.Hour),
		HostelMsgID:      "<hostel-1@mail.example>",
		HostelAt:         &hostelAt,
		DonorNotifyMsgID: "<notify-1@mail.example>",
		DonorNotifyAt:    &hostelAt,
	}).Error)

	require.NoError(t, store.AppendAuditEvent(ctx, "ops@fund.example", AuditAllocation, "ALLOC-1", "allocated", "", "PENDING_HOSTEL", nil))
}

func TestPledgeExportRoundTrip(t *testing.T) {
	store := newTestStore(t)
	seedExportFixture(t, store)
	ctx := context.Background()

	first, firstSum, err := store.ExportPledges(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, firstSum)

	require.NoError(t, store.ImportPledges(ctx, first))

	second, secondSum, err := store.ExportPledges(ctx)
	require.NoError(t, err)
	require.Equal(t, string(first), string(second))
	require.Equal(t, firstSum, secondSum)
}

func TestImportPledgesReplacesExistingRows(t *testing.T) {
	store := newTestStore(t)
	seedExportFixture(t, store)
	ctx := context.Background()

	snapshot, _, err := store.ExportPledges(ctx)
	require.NoError(t, err)

	require.NoError(t, store.CreatePledge(ctx, &Pledge{ID: "PLEDGE-2026-99", Status: PledgePledged}))
	require.NoError(t, store.ImportPledges(ctx, snapshot))

	_, err = store.GetPledge(ctx, "PLEDGE-2026-99")
	require.ErrorIs(t, err, ErrNotFound)
	pledge, err := store.GetPledge(ctx, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Equal(t, int64(6000000), pledge.VerifiedTotal)
	require.True(t, pledge.Zakat)
	require.Equal(t, time.Date(2026, 2, 1, 10, 30, 0, 0, time.UTC), pledge.CreatedAt.UTC())
}

func TestImportPledgesRejectsMalformedRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.Error(t, store.ImportPledges(ctx, []byte("")))

	short := "id,donor_email\nP1,donor@example.com\n"
	require.Error(t, store.ImportPledges(ctx, []byte(short)))
}

func TestExportColumnOrderIsStable(t *testing.T) {
	store := newTestStore(t)
	seedExportFixture(t, store)
	ctx := context.Background()

	pledges, _, err := store.ExportPledges(ctx)
	require.NoError(t, err)
	header := strings.SplitN(string(pledges), "\n", 2)[0]
	require.Equal(t, "id,donor_email,donor_name,chapter,promised_amount,zakat,request_receipt,status,verified_total,allocated_total,confirmation_msg_id,last_receipt_msg_id,created_at,updated_at", header)

	receipts, _, err := store.ExportReceipts(ctx)
	require.NoError(t, err)
	require.Contains(t, string(receipts), "PLEDGE-2026-1-R1,PLEDGE-2026-1,2026-02-01T10:30:00Z")

	allocations, _, err := store.ExportAllocations(ctx)
	require.NoError(t, err)
	require.Contains(t, string(allocations), "ALLOC-1,PLEDGE-2026-1,BEN-1,200000,PENDING_HOSTEL")

	audit, _, err := store.ExportAudit(ctx)
	require.NoError(t, err)
	require.Contains(t, string(audit), "ops@fund.example,ALLOCATION,ALLOC-1")
}

func TestExportChecksumTracksContent(t *testing.T) {
	store := newTestStore(t)
	seedExportFixture(t, store)
	ctx := context.Background()

	_, before, err := store.ExportPledges(ctx)
	require.NoError(t, err)

	pledge, err := store.GetPledge(ctx, "PLEDGE-2026-2")
	require.NoError(t, err)
	pledge.VerifiedTotal = 500000
	require.NoError(t, store.SavePledge(ctx, pledge))

	_, after, err := store.ExportPledges(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}
