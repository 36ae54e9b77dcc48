package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hostelfund/blob"
	"hostelfund/classifier"
	"hostelfund/classifier/classifiertest"
	"hostelfund/config"
	"hostelfund/ledger"
	"hostelfund/lockmgr"
	"hostelfund/mail"
	"hostelfund/mail/mailtest"
)

func TestParseReference(t *testing.T) {
	cases := []struct {
		subject string
		want    Reference
	}{
		{"Receipt for PLEDGE-2026-14", Reference{PledgeID: "PLEDGE-2026-14"}},
		{"Re: Ref: PLEDGE-2026-3 - thank you", Reference{PledgeID: "PLEDGE-2026-3"}},
		{"Fwd: Ref: BATCH-7 fee transfers", Reference{BatchID: "BATCH-7"}},
		{"About BATCH-12", Reference{BatchID: "BATCH-12"}},
		{"my pledge 2026-9 payment", Reference{PledgeID: "PLEDGE-2026-9"}},
		{"hello there", Reference{}},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, ParseReference(tc.subject), "subject %q", tc.subject)
	}
}

type fixture struct {
	ingestor *Ingestor
	store    *ledger.Store
	gateway  *mailtest.Fake
	stub     *classifiertest.Stub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := ledger.Open(filepath.Join(dir, "ledger.db"))
	require.NoError(t, err)
	blobs, err := blob.NewStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)
	gateway := mailtest.NewFake()
	stub := &classifiertest.Stub{}
	ingestor := NewIngestor(store, gateway, stub, blobs, lockmgr.New(),
		config.MailConfig{SelfAddress: "fund@fund.example"},
		config.EngineConfig{
			IngestInterval: config.Duration{Duration: time.Minute},
			LockTimeout:    config.Duration{Duration: 2 * time.Second},
		}, nil)
	ingestor.SetNowFunc(func() time.Time {
		return time.Date(2026, 8, 22, 8, 0, 0, 0, time.UTC)
	})
	return &fixture{ingestor: ingestor, store: store, gateway: gateway, stub: stub}
}

func (f *fixture) seedPledge(t *testing.T, id string, promised int64) {
	t.Helper()
	require.NoError(t, f.store.CreatePledge(context.Background(), &ledger.Pledge{
		ID:             id,
		DonorEmail:     "donor@example.com",
		DonorName:      "Donor",
		PromisedAmount: promised,
		Status:         ledger.PledgePledged,
		CreatedAt:      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt:      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}))
}

func receiptExtraction(amount int64, date time.Time, filename string) classifier.ExtractResult {
	return classifier.ExtractResult{
		Category: classifier.CategoryReceiptSubmission,
		Receipts: []classifier.ExtractedReceipt{{
			Amount:       amount,
			TransferDate: date,
			Confidence:   classifier.ConfidenceHigh,
			Filename:     filename,
		}},
	}
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seedPledge(t, "PLEDGE-2026-1", 5000000)
	f.stub.ExtractResult = receiptExtraction(5000000, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), "upi.png")

	threadID := f.gateway.Deliver("Ref: PLEDGE-2026-1 receipt", []string{mail.LabelToProcess}, mail.Message{
		From:        "donor@example.com",
		Body:        "Paid in full.",
		Attachments: []mail.Attachment{{Filename: "upi.png", Data: []byte("png")}},
	})

	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	receipts, err := f.store.ListReceipts(context.Background(), "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, "PLEDGE-2026-1-R1", receipts[0].ID)
	require.Equal(t, ledger.ReceiptValid, receipts[0].Status)
	require.NotEmpty(t, receipts[0].StorageLink)

	pledge, err := f.store.GetPledge(context.Background(), "PLEDGE-2026-1")
	require.NoError(t, err)
	require.EqualValues(t, 5000000, pledge.VerifiedTotal)
	require.Equal(t, ledger.PledgeProofSubmitted, pledge.Status)
	require.NotEmpty(t, pledge.LastReceiptMsgID)

	labels := f.gateway.ThreadLabels(threadID)
	require.Contains(t, labels, mail.LabelProcessed)
	require.NotContains(t, labels, mail.LabelToProcess)

	count, err := f.store.CountAudit(context.Background(), ledger.AuditReceiptProcessed, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestDuplicateReceipt(t *testing.T) {
	f := newFixture(t)
	f.seedPledge(t, "PLEDGE-2026-1", 5000000)
	date := time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC)
	f.stub.ExtractResult = receiptExtraction(5000000, date, "upi.png")

	f.gateway.Deliver("Ref: PLEDGE-2026-1", []string{mail.LabelToProcess}, mail.Message{
		From: "donor@example.com", Body: "Paid.",
		Attachments: []mail.Attachment{{Filename: "upi.png", Data: []byte("png")}},
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	// Same attachment re-sent the next day.
	f.gateway.Deliver("Ref: PLEDGE-2026-1 again", []string{mail.LabelToProcess}, mail.Message{
		From: "donor@example.com", Body: "Resending just in case.",
		Attachments: []mail.Attachment{{Filename: "upi.png", Data: []byte("png")}},
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	receipts, err := f.store.ListReceipts(context.Background(), "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	require.Equal(t, ledger.ReceiptValid, receipts[0].Status)
	require.Equal(t, ledger.ReceiptDuplicate, receipts[1].Status)

	pledge, err := f.store.GetPledge(context.Background(), "PLEDGE-2026-1")
	require.NoError(t, err)
	require.EqualValues(t, 5000000, pledge.VerifiedTotal)
}

func TestPartialThenTopUp(t *testing.T) {
	f := newFixture(t)
	f.seedPledge(t, "PLEDGE-2026-1", 5000000)

	f.stub.ExtractResult = receiptExtraction(3000000, time.Date(2026, 8, 5, 0, 0, 0, 0, time.UTC), "first.png")
	f.gateway.Deliver("Ref: PLEDGE-2026-1", []string{mail.LabelToProcess}, mail.Message{
		From: "donor@example.com", Body: "First instalment.",
		Attachments: []mail.Attachment{{Filename: "first.png", Data: []byte("a")}},
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	pledge, err := f.store.GetPledge(context.Background(), "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Equal(t, ledger.PledgePartialReceipt, pledge.Status)
	require.EqualValues(t, 3000000, pledge.VerifiedTotal)

	f.stub.ExtractResult = receiptExtraction(2000000, time.Date(2026, 8, 8, 0, 0, 0, 0, time.UTC), "second.png")
	f.gateway.Deliver("Ref: PLEDGE-2026-1 balance", []string{mail.LabelToProcess}, mail.Message{
		From: "donor@example.com", Body: "Remaining amount.",
		Attachments: []mail.Attachment{{Filename: "second.png", Data: []byte("b")}},
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	pledge, err = f.store.GetPledge(context.Background(), "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Equal(t, ledger.PledgeProofSubmitted, pledge.Status)
	require.EqualValues(t, 5000000, pledge.VerifiedTotal)
}

func TestRerunIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.seedPledge(t, "PLEDGE-2026-1", 5000000)
	f.stub.ExtractResult = receiptExtraction(5000000, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), "upi.png")
	f.gateway.Deliver("Ref: PLEDGE-2026-1", []string{mail.LabelToProcess}, mail.Message{
		From: "donor@example.com", Body: "Paid.",
		Attachments: []mail.Attachment{{Filename: "upi.png", Data: []byte("png")}},
	})

	require.NoError(t, f.ingestor.RunOnce(context.Background()))
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	receipts, err := f.store.ListReceipts(context.Background(), "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Len(t, f.stub.ExtractCalls, 1)
}

func TestLowConfidenceParksForReview(t *testing.T) {
	f := newFixture(t)
	f.seedPledge(t, "PLEDGE-2026-1", 5000000)
	f.stub.ExtractResult = classifier.ExtractResult{
		Category: classifier.CategoryReceiptSubmission,
		Receipts: []classifier.ExtractedReceipt{{
			Amount:       5000000,
			TransferDate: time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
			Confidence:   classifier.ConfidenceLow,
			Filename:     "blurry.jpg",
		}},
	}
	f.gateway.Deliver("Ref: PLEDGE-2026-1", []string{mail.LabelToProcess}, mail.Message{
		From: "donor@example.com", Body: "Photo attached.",
		Attachments: []mail.Attachment{{Filename: "blurry.jpg", Data: []byte("jpg")}},
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	receipts, err := f.store.ListReceipts(context.Background(), "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.Equal(t, ledger.ReceiptRequiresReview, receipts[0].Status)

	pledge, err := f.store.GetPledge(context.Background(), "PLEDGE-2026-1")
	require.NoError(t, err)
	require.EqualValues(t, 0, pledge.VerifiedTotal)
	require.Equal(t, ledger.PledgePledged, pledge.Status)
}

func TestQuestionGetsReply(t *testing.T) {
	f := newFixture(t)
	f.seedPledge(t, "PLEDGE-2026-1", 5000000)
	f.stub.ExtractResult = classifier.ExtractResult{
		Category:       classifier.CategoryQuestion,
		Summary:        "asks about tax certificate",
		SuggestedReply: "Certificates are issued quarterly.",
	}
	threadID := f.gateway.Deliver("Ref: PLEDGE-2026-1 question", []string{mail.LabelToProcess}, mail.Message{
		From: "donor@example.com", Body: "When do I get the 80G certificate?",
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	require.Len(t, f.gateway.Sent, 1)
	require.Contains(t, f.gateway.Sent[0].HTMLBody, "quarterly")
	require.Contains(t, f.gateway.ThreadLabels(threadID), mail.LabelProcessed)

	count, err := f.store.CountAudit(context.Background(), ledger.AuditDonorQuery, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestIrrelevantIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.seedPledge(t, "PLEDGE-2026-1", 5000000)
	f.stub.ExtractResult = classifier.ExtractResult{
		Category: classifier.CategoryIrrelevant,
		Summary:  "newsletter bounce",
	}
	threadID := f.gateway.Deliver("Ref: PLEDGE-2026-1", []string{mail.LabelToProcess}, mail.Message{
		From: "donor@example.com", Body: "Out of office.",
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	require.Contains(t, f.gateway.ThreadLabels(threadID), mail.LabelProcessed)
	count, err := f.store.CountAudit(context.Background(), ledger.AuditReceiptIgnored, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestUnmatchedSubject(t *testing.T) {
	f := newFixture(t)
	threadID := f.gateway.Deliver("hello there", []string{mail.LabelToProcess}, mail.Message{
		From: "stranger@example.com", Body: "no reference",
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	labels := f.gateway.ThreadLabels(threadID)
	require.Contains(t, labels, mail.LabelUnmatched)
	require.NotContains(t, labels, mail.LabelToProcess)
	require.Empty(t, f.stub.ExtractCalls)
}

func TestLoopSuppression(t *testing.T) {
	f := newFixture(t)
	f.seedPledge(t, "PLEDGE-2026-1", 5000000)
	f.gateway.Deliver("Ref: PLEDGE-2026-1", []string{mail.LabelToProcess}, mail.Message{
		From: "fund@fund.example", Body: "our own confirmation",
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))
	require.Empty(t, f.stub.ExtractCalls)
}

func TestNoDecisionEscalates(t *testing.T) {
	f := newFixture(t)
	f.seedPledge(t, "PLEDGE-2026-1", 5000000)
	f.stub.Err = classifier.ErrNoDecision
	threadID := f.gateway.Deliver("Ref: PLEDGE-2026-1", []string{mail.LabelToProcess}, mail.Message{
		From: "donor@example.com", Body: "something unreadable",
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	require.Contains(t, f.gateway.ThreadLabels(threadID), mail.LabelUnmatched)
	alerts, err := f.store.CountAudit(context.Background(), ledger.AuditAlert, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, alerts)
}

func TestTransportFailureEscalates(t *testing.T) {
	f := newFixture(t)
	f.seedPledge(t, "PLEDGE-2026-1", 5000000)
	f.stub.Err = errors.New("dial tcp: connection refused")
	threadID := f.gateway.Deliver("Ref: PLEDGE-2026-1", []string{mail.LabelToProcess}, mail.Message{
		From: "donor@example.com", Body: "Paid today.",
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	// An unreachable model must park the thread, not leave it queued for a
	// silent retry on every pass.
	labels := f.gateway.ThreadLabels(threadID)
	require.Contains(t, labels, mail.LabelUnmatched)
	require.NotContains(t, labels, mail.LabelToProcess)
	alerts, err := f.store.CountAudit(context.Background(), ledger.AuditAlert, "PLEDGE-2026-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, alerts)
}

func TestAttachmentBytesReachClassifier(t *testing.T) {
	f := newFixture(t)
	f.seedPledge(t, "PLEDGE-2026-1", 5000000)
	f.stub.ExtractResult = receiptExtraction(5000000, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), "upi.png")
	imageBytes := []byte("RECEIPT-IMAGE-BYTES-9f8e7d")
	f.gateway.Deliver("Ref: PLEDGE-2026-1", []string{mail.LabelToProcess}, mail.Message{
		From: "donor@example.com", Body: "Paid in full.",
		Attachments: []mail.Attachment{{Filename: "upi.png", ContentType: "image/png", Data: imageBytes}},
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	require.Len(t, f.stub.ExtractCalls, 1)
	call := f.stub.ExtractCalls[0]
	require.Len(t, call.Attachments, 1)
	require.Equal(t, "upi.png", call.Attachments[0].Filename)
	require.Equal(t, imageBytes, call.Attachments[0].Data)
}

func TestDeclaredAmountPersistedSeparately(t *testing.T) {
	f := newFixture(t)
	f.seedPledge(t, "PLEDGE-2026-1", 5000000)
	f.stub.ExtractResult = classifier.ExtractResult{
		Category: classifier.CategoryReceiptSubmission,
		Receipts: []classifier.ExtractedReceipt{{
			Amount:         4500000,
			DeclaredAmount: 5000000,
			TransferDate:   time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
			Confidence:     classifier.ConfidenceHigh,
			Filename:       "upi.png",
		}},
	}
	f.gateway.Deliver("Ref: PLEDGE-2026-1", []string{mail.LabelToProcess}, mail.Message{
		From: "donor@example.com", Body: "Sent the full 50,000.",
		Attachments: []mail.Attachment{{Filename: "upi.png", Data: []byte("png")}},
	})
	require.NoError(t, f.ingestor.RunOnce(context.Background()))

	receipts, err := f.store.ListReceipts(context.Background(), "PLEDGE-2026-1")
	require.NoError(t, err)
	require.Len(t, receipts, 1)
	require.EqualValues(t, 5000000, receipts[0].DeclaredAmount)
	require.EqualValues(t, 4500000, receipts[0].VerifiedAmount)

	pledge, err := f.store.GetPledge(context.Background(), "PLEDGE-2026-1")
	require.NoError(t, err)
	require.EqualValues(t, 4500000, pledge.VerifiedTotal)
}
