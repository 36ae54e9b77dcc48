// Package ingest polls the receipts/to-process label, runs LM extraction on
// donor emails and appends receipt rows under the global lock. The loop is
// idempotent: processed threads lose the label, and the duplicate tuple check
// makes crash-replays safe.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"hostelfund/blob"
	"hostelfund/classifier"
	"hostelfund/config"
	"hostelfund/ledger"
	"hostelfund/lockmgr"
	"hostelfund/mail"
	"hostelfund/observability/logging"
	"hostelfund/observability/metrics"
)

const searchLimit = 50

// Subject reference patterns, in match precedence order.
var (
	pledgeIDPattern = regexp.MustCompile(`PLEDGE-\d{4}-\d+`)
	refPattern      = regexp.MustCompile(`Ref:\s*([A-Za-z0-9-]+)`)
	batchIDPattern  = regexp.MustCompile(`BATCH-\d+`)
	// Permissive fallback: a bare "2026-14" style reference.
	numericPattern = regexp.MustCompile(`\b(\d{4})[-/](\d+)\b`)
)

// Reference is a parsed subject reference.
type Reference struct {
	PledgeID string
	BatchID  string
}

// ParseReference extracts the pledge or batch reference from a subject line.
func ParseReference(subject string) Reference {
	if match := pledgeIDPattern.FindString(subject); match != "" {
		return Reference{PledgeID: match}
	}
	if match := refPattern.FindStringSubmatch(subject); match != nil {
		ref := match[1]
		if batchIDPattern.MatchString(ref) {
			return Reference{BatchID: ref}
		}
		if pledgeIDPattern.MatchString(ref) {
			return Reference{PledgeID: ref}
		}
		return Reference{PledgeID: ref}
	}
	if match := batchIDPattern.FindString(subject); match != "" {
		return Reference{BatchID: match}
	}
	if match := numericPattern.FindStringSubmatch(subject); match != nil {
		return Reference{PledgeID: "PLEDGE-" + match[1] + "-" + match[2]}
	}
	return Reference{}
}

// Ingestor is the scheduled receipt processor.
type Ingestor struct {
	store       *ledger.Store
	gateway     mail.Gateway
	classify    classifier.Classifier
	blobs       *blob.Store
	lock        *lockmgr.Manager
	selfAddr    string
	interval    time.Duration
	lockTimeout time.Duration
	slack       int64
	log         *slog.Logger
	nowFn       func() time.Time
}

// NewIngestor wires the receipt ingestion loop.
func NewIngestor(store *ledger.Store, gateway mail.Gateway, classify classifier.Classifier, blobs *blob.Store, lock *lockmgr.Manager, mailCfg config.MailConfig, engineCfg config.EngineConfig, log *slog.Logger) *Ingestor {
	if log == nil {
		log = slog.Default()
	}
	return &Ingestor{
		store:       store,
		gateway:     gateway,
		classify:    classify,
		blobs:       blobs,
		lock:        lock,
		selfAddr:    strings.ToLower(mailCfg.SelfAddress),
		interval:    engineCfg.IngestInterval.Duration,
		lockTimeout: engineCfg.LockTimeout.Duration,
		slack:       engineCfg.VerificationSlack,
		log:         log,
		nowFn:       time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (i *Ingestor) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	i.nowFn = now
}

// Run polls on the configured interval until the context is cancelled.
func (i *Ingestor) Run(ctx context.Context) {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()
	for {
		if err := i.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			i.log.Error("ingest pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single ingestion pass over the to-process label.
func (i *Ingestor) RunOnce(ctx context.Context) error {
	threads, err := i.gateway.Search(ctx, mail.Query{Label: mail.LabelToProcess}.String(), searchLimit)
	if err != nil {
		return fmt.Errorf("search to-process: %w", err)
	}
	for _, thread := range threads {
		metrics.Engine().RecordThreadScanned("ingest")
		if err := i.processThread(ctx, thread); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			i.log.Error("thread processing failed",
				slog.String("thread_id", thread.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (i *Ingestor) processThread(ctx context.Context, thread mail.Thread) error {
	messages, err := i.gateway.FetchMessages(ctx, thread.ID)
	if err != nil {
		return err
	}
	inbound := i.latestInbound(messages)
	if inbound == nil {
		// Only our own messages in the thread; nothing to ingest.
		return nil
	}

	ref := ParseReference(thread.Subject)
	if ref.BatchID != "" {
		// Batch references belong to the reply watchdog's group lookup.
		return i.gateway.RemoveLabel(ctx, thread.ID, mail.LabelToProcess)
	}
	if ref.PledgeID == "" {
		return i.markUnmatched(ctx, thread)
	}
	pledge, err := i.store.GetPledge(ctx, ref.PledgeID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return i.markUnmatched(ctx, thread)
		}
		return err
	}

	token, err := i.lock.TryAcquire(ctx, i.lockTimeout)
	if err != nil {
		if errors.Is(err, lockmgr.ErrTimeout) {
			metrics.Engine().RecordLockTimeout()
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer i.lock.Release(token)

	// Re-read inside the lock; the pre-lock row may be stale.
	pledge, err = i.store.GetPledge(ctx, pledge.ID)
	if err != nil {
		return err
	}

	result, err := i.classify.ExtractReceipt(ctx, classifier.ExtractInput{
		Subject:        inbound.Subject,
		Body:           inbound.Body,
		Attachments:    inbound.Attachments,
		PledgeID:       pledge.ID,
		PledgeDate:     pledge.CreatedAt,
		EmailAt:        inbound.ReceivedAt,
		PromisedAmount: pledge.PromisedAmount,
	})
	if err != nil {
		metrics.Engine().RecordClassifierCall("extract", "error")
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// Any extraction failure is a no-decision: park the thread for a
		// human instead of retrying it silently forever.
		metrics.Engine().RecordManualReview()
		if auditErr := i.store.AppendAuditEvent(ctx, ledger.SystemActor, ledger.AuditAlert, pledge.ID,
			"receipt extraction failed: "+err.Error(), "", "", map[string]string{"thread_id": thread.ID}); auditErr != nil {
			return auditErr
		}
		return i.markUnmatched(ctx, thread)
	}
	metrics.Engine().RecordClassifierCall("extract", "ok")

	switch result.Category {
	case classifier.CategoryIrrelevant:
		if err := i.store.AppendAuditEvent(ctx, ledger.SystemActor, ledger.AuditReceiptIgnored, pledge.ID,
			"irrelevant email: "+result.Summary, "", "", nil); err != nil {
			return err
		}
		return i.markProcessed(ctx, thread)
	case classifier.CategoryQuestion:
		return i.handleQuestion(ctx, thread, inbound, pledge, result)
	case classifier.CategoryReceiptSubmission:
		return i.handleReceipts(ctx, thread, inbound, pledge, result)
	default:
		return fmt.Errorf("unexpected category %s", result.Category)
	}
}

// latestInbound returns the newest message not sent by the engine itself.
func (i *Ingestor) latestInbound(messages []mail.Message) *mail.Message {
	for idx := len(messages) - 1; idx >= 0; idx-- {
		if strings.ToLower(messages[idx].From) != i.selfAddr {
			return &messages[idx]
		}
	}
	return nil
}

func (i *Ingestor) markUnmatched(ctx context.Context, thread mail.Thread) error {
	if err := i.gateway.ApplyLabel(ctx, thread.ID, mail.LabelUnmatched); err != nil {
		return err
	}
	return i.gateway.RemoveLabel(ctx, thread.ID, mail.LabelToProcess)
}

func (i *Ingestor) markProcessed(ctx context.Context, thread mail.Thread) error {
	if err := i.gateway.ApplyLabel(ctx, thread.ID, mail.LabelProcessed); err != nil {
		return err
	}
	return i.gateway.RemoveLabel(ctx, thread.ID, mail.LabelToProcess)
}

func (i *Ingestor) handleQuestion(ctx context.Context, thread mail.Thread, inbound *mail.Message, pledge *ledger.Pledge, result classifier.ExtractResult) error {
	reply := result.SuggestedReply
	if reply == "" {
		reply = "Thank you for writing in. A volunteer will get back to you shortly."
	}
	if _, err := i.gateway.ReplyInThread(ctx, inbound.RFC822ID, mail.Outbound{
		To:       []string{inbound.From},
		Subject:  "Re: " + inbound.Subject,
		HTMLBody: "<p>" + reply + "</p>",
	}); err != nil {
		return fmt.Errorf("send donor reply: %w", err)
	}
	if err := i.store.AppendAuditEvent(ctx, ledger.SystemActor, ledger.AuditDonorQuery, pledge.ID,
		"donor question answered: "+result.Summary, "", "", map[string]string{"thread_id": thread.ID}); err != nil {
		return err
	}
	return i.markProcessed(ctx, thread)
}

func (i *Ingestor) handleReceipts(ctx context.Context, thread mail.Thread, inbound *mail.Message, pledge *ledger.Pledge, result classifier.ExtractResult) error {
	now := i.nowFn().UTC()
	attachmentsByName := make(map[string]mail.Attachment, len(inbound.Attachments))
	for _, attachment := range inbound.Attachments {
		attachmentsByName[ledger.NormalizeFilename(attachment.Filename)] = attachment
	}

	var processed, duplicates int
	err := i.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, extracted := range result.Receipts {
			status := receiptStatus(extracted)

			storageLink := ""
			if attachment, ok := attachmentsByName[ledger.NormalizeFilename(extracted.Filename)]; ok {
				link, err := i.blobs.Put(pledge.ID, attachment.Filename, attachment.Data)
				if err != nil {
					return err
				}
				storageLink = link
			}

			if status == ledger.ReceiptValid {
				existing, err := ledger.FindDuplicateReceipt(tx, pledge.ID, extracted.Amount, extracted.TransferDate, extracted.Filename)
				if err != nil {
					return err
				}
				if existing != nil {
					status = ledger.ReceiptDuplicate
				}
			}

			id, err := ledger.NextReceiptID(tx, pledge.ID)
			if err != nil {
				return err
			}
			row := ledger.Receipt{
				ID:                 id,
				PledgeID:           pledge.ID,
				ProcessedAt:        now,
				EmailAt:            inbound.ReceivedAt.UTC(),
				TransferDate:       extracted.TransferDate.UTC(),
				DeclaredAmount:     extracted.DeclaredAmount,
				VerifiedAmount:     extracted.Amount,
				Confidence:         ledger.Confidence(extracted.Confidence),
				StorageLink:        storageLink,
				Filename:           extracted.Filename,
				NormalizedFilename: ledger.NormalizeFilename(extracted.Filename),
				Status:             status,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			metrics.Engine().RecordReceipt(string(status))
			processed++
			if status == ledger.ReceiptDuplicate {
				duplicates++
			}
		}

		locked, err := ledger.GetPledgeForUpdate(tx, pledge.ID)
		if err != nil {
			return err
		}
		verified, err := ledger.RecomputeVerifiedTotal(tx, pledge.ID)
		if err != nil {
			return err
		}
		open, err := ledger.CountOpenAllocations(tx, pledge.ID)
		if err != nil {
			return err
		}
		prev := locked.Status
		locked.VerifiedTotal = verified
		next := ledger.DerivePledgeStatus(locked, open, i.slack)
		if err := ledger.ValidatePledgeTransition(prev, next); err != nil {
			return err
		}
		locked.Status = next
		locked.LastReceiptMsgID = inbound.RFC822ID
		locked.UpdatedAt = now
		if err := tx.Save(locked).Error; err != nil {
			return err
		}
		metrics.Engine().SetPledgeBalance(locked.ID, locked.Balance())

		if prev != next {
			if err := ledger.AppendAudit(tx, now, ledger.SystemActor, ledger.AuditStatusChange, pledge.ID,
				"status recomputed after receipt ingestion", string(prev), string(next), nil); err != nil {
				return err
			}
		}
		return ledger.AppendAudit(tx, now, ledger.SystemActor, ledger.AuditReceiptProcessed, pledge.ID,
			fmt.Sprintf("processed %d receipt(s), %d duplicate(s)", processed, duplicates),
			"", "", map[string]string{
				"thread_id":  thread.ID,
				"rfc822_id":  inbound.RFC822ID,
				"confidence": summarizeConfidence(result.Receipts),
			})
	})
	if err != nil {
		return err
	}

	i.log.Info("receipts ingested",
		slog.String("pledge_id", pledge.ID),
		slog.String("donor", logging.MaskEmail(inbound.From)),
		slog.Int("count", processed),
		slog.Int("duplicates", duplicates),
	)
	return i.markProcessed(ctx, thread)
}

// receiptStatus derives the stored status from the extraction entry. LOW
// confidence rows park in REQUIRES_REVIEW and never count towards the
// verified total until a human upgrades them.
func receiptStatus(extracted classifier.ExtractedReceipt) ledger.ReceiptStatus {
	switch {
	case extracted.RejectionReason != "":
		return ledger.ReceiptRejected
	case extracted.Confidence == classifier.ConfidenceLow:
		return ledger.ReceiptRequiresReview
	default:
		return ledger.ReceiptValid
	}
}

func summarizeConfidence(receipts []classifier.ExtractedReceipt) string {
	parts := make([]string, 0, len(receipts))
	for _, r := range receipts {
		parts = append(parts, string(r.Confidence))
	}
	return strings.Join(parts, ",")
}
