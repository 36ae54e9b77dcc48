// Package watchdog scans hostel reply threads, classifies them and settles
// the referenced allocations. Only the watchdog moves allocations past
// PENDING_HOSTEL; every mutation runs under the global lock, which is yielded
// between threads so operator allocations can interleave.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"hostelfund/classifier"
	"hostelfund/config"
	"hostelfund/ingest"
	"hostelfund/ledger"
	"hostelfund/lockmgr"
	"hostelfund/mail"
	"hostelfund/observability/metrics"
	"hostelfund/templates"
)

const searchLimit = 50

// Watchdog is the scheduled reply processor.
type Watchdog struct {
	store        *ledger.Store
	gateway      mail.Gateway
	classify     classifier.Classifier
	registry     *templates.Registry
	lock         *lockmgr.Manager
	cache        *ledger.LookupCache
	selfAddr     string
	adminAlerts  []string
	interval     time.Duration
	window       time.Duration
	lockTimeout  time.Duration
	slack        int64
	contextDepth int
	log          *slog.Logger
	nowFn        func() time.Time
}

// New wires the reply watchdog.
func New(store *ledger.Store, gateway mail.Gateway, classify classifier.Classifier, registry *templates.Registry, lock *lockmgr.Manager, cache *ledger.LookupCache, mailCfg config.MailConfig, engineCfg config.EngineConfig, log *slog.Logger) *Watchdog {
	if log == nil {
		log = slog.Default()
	}
	return &Watchdog{
		store:        store,
		gateway:      gateway,
		classify:     classify,
		registry:     registry,
		lock:         lock,
		cache:        cache,
		selfAddr:     strings.ToLower(mailCfg.SelfAddress),
		adminAlerts:  mailCfg.AdminAlerts,
		interval:     engineCfg.WatchdogInterval.Duration,
		window:       engineCfg.WatchdogWindow.Duration,
		lockTimeout:  engineCfg.LockTimeout.Duration,
		slack:        engineCfg.VerificationSlack,
		contextDepth: engineCfg.ThreadContextDepth,
		log:          log,
		nowFn:        time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (w *Watchdog) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	w.nowFn = now
}

// Run polls on the configured interval until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		if err := w.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			w.log.Error("watchdog pass failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one scan over recent reference threads.
func (w *Watchdog) RunOnce(ctx context.Context) error {
	query := mail.Query{
		SubjectHas: "Ref:",
		NotLabels:  []string{mail.LabelWatchdogProcessed, mail.LabelWatchdogManualReview},
		After:      w.nowFn().Add(-w.window),
	}
	threads, err := w.gateway.Search(ctx, query.String(), searchLimit)
	if err != nil {
		return fmt.Errorf("search reply threads: %w", err)
	}
	if len(threads) == 0 {
		return nil
	}
	open, err := w.store.OpenAllocationsByReference(ctx)
	if err != nil {
		return err
	}
	for _, thread := range threads {
		metrics.Engine().RecordThreadScanned("watchdog")
		if err := w.processThread(ctx, thread, open); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			w.log.Error("reply thread failed",
				slog.String("thread_id", thread.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (w *Watchdog) processThread(ctx context.Context, thread mail.Thread, open map[string][]ledger.Allocation) error {
	ref := ingest.ParseReference(thread.Subject)
	refID := ref.BatchID
	if refID == "" {
		refID = ref.PledgeID
	}
	if refID == "" {
		// No parseable reference. Label the thread now so it is not
		// re-fetched on every pass for the rest of the window.
		w.log.Warn("reply thread has no parseable reference",
			slog.String("thread_id", thread.ID),
			slog.String("subject", thread.Subject),
		)
		metrics.Engine().RecordManualReview()
		return w.gateway.ApplyLabel(ctx, thread.ID, mail.LabelWatchdogManualReview)
	}
	allocations := open[refID]
	if len(allocations) == 0 {
		// A reference thread with nothing open behind it needs human eyes.
		return w.escalate(ctx, thread, refID, "reply thread references no open allocations")
	}

	messages, err := w.gateway.FetchMessages(ctx, thread.ID)
	if err != nil {
		return err
	}
	flattened := w.flatten(messages)
	if len(flattened) == 0 {
		// Nothing inbound yet; leave the thread for a later pass.
		return nil
	}

	input := classifier.ReplyInput{Subject: thread.Subject, Messages: flattened}
	for _, alloc := range allocations {
		input.OpenAllocations = append(input.OpenAllocations, classifier.OpenAllocation{
			AllocID:       alloc.ID,
			Amount:        alloc.Amount,
			BeneficiaryID: alloc.BeneficiaryID,
		})
	}
	result, err := w.classify.ClassifyReply(ctx, input)
	if err != nil {
		metrics.Engine().RecordClassifierCall("reply", "error")
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// Any classification failure is a no-decision: hand the thread to a
		// human rather than re-asking the model forever.
		metrics.Engine().RecordWatchdogOutcome("no_decision")
		return w.escalate(ctx, thread, refID, "reply classification failed: "+err.Error())
	}
	metrics.Engine().RecordClassifierCall("reply", "ok")
	metrics.Engine().RecordWatchdogOutcome(strings.ToLower(string(result.Status)))

	replyMsg := w.newestInbound(messages)

	switch result.Status {
	case classifier.ReplyConfirmedAll:
		return w.settle(ctx, thread, refID, allocations, replyMsg, false, result)
	case classifier.ReplyPartial:
		confirmed := make(map[string]bool, len(result.ConfirmedAllocIDs))
		for _, id := range result.ConfirmedAllocIDs {
			confirmed[id] = true
		}
		subset := allocations[:0:0]
		for _, alloc := range allocations {
			if confirmed[alloc.ID] {
				subset = append(subset, alloc)
			}
		}
		return w.settle(ctx, thread, refID, subset, replyMsg, true, result)
	case classifier.ReplyQuery:
		return w.markQuery(ctx, thread, refID, allocations, replyMsg, result)
	default: // AMBIGUOUS
		return w.escalate(ctx, thread, refID, "reply classified as ambiguous: "+result.Reasoning)
	}
}

// flatten returns the thread newest first, capped to the configured depth,
// skipping the engine's own messages.
func (w *Watchdog) flatten(messages []mail.Message) []classifier.ThreadMessage {
	var out []classifier.ThreadMessage
	for idx := len(messages) - 1; idx >= 0 && len(out) < w.contextDepth; idx-- {
		msg := messages[idx]
		if strings.ToLower(msg.From) == w.selfAddr {
			continue
		}
		out = append(out, classifier.ThreadMessage{
			From: msg.From,
			At:   msg.ReceivedAt,
			Body: msg.Body,
		})
	}
	return out
}

func (w *Watchdog) newestInbound(messages []mail.Message) *mail.Message {
	for idx := len(messages) - 1; idx >= 0; idx-- {
		if strings.ToLower(messages[idx].From) != w.selfAddr {
			return &messages[idx]
		}
	}
	return nil
}

// settle verifies the given allocations, sends donor finals and completes
// them, then recomputes each parent pledge.
func (w *Watchdog) settle(ctx context.Context, thread mail.Thread, refID string, allocations []ledger.Allocation, replyMsg *mail.Message, partial bool, result classifier.ReplyResult) error {
	token, err := w.lock.TryAcquire(ctx, w.lockTimeout)
	if err != nil {
		if errors.Is(err, lockmgr.ErrTimeout) {
			metrics.Engine().RecordLockTimeout()
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer w.lock.Release(token)

	now := w.nowFn().UTC()
	replyID := ""
	replyAt := now
	if replyMsg != nil {
		replyID = replyMsg.RFC822ID
		replyAt = replyMsg.ReceivedAt.UTC()
	}

	// Verification first; the donor final references a verified allocation.
	err = w.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, alloc := range allocations {
			locked, err := lockedAllocation(tx, alloc.ID)
			if err != nil {
				return err
			}
			if locked.Status != ledger.AllocationPendingHostel {
				continue // already settled by an earlier pass
			}
			if err := ledger.ValidateAllocationTransition(locked.Status, ledger.AllocationHostelVerified); err != nil {
				return err
			}
			locked.Status = ledger.AllocationHostelVerified
			locked.HostelReplyMsgID = replyID
			locked.HostelReplyAt = &replyAt
			if err := tx.Save(locked).Error; err != nil {
				return err
			}
			if err := ledger.AppendAudit(tx, now, ledger.SystemActor, ledger.AuditHostelVerification, locked.ID,
				"hostel confirmed receipt", string(ledger.AllocationPendingHostel), string(ledger.AllocationHostelVerified),
				map[string]string{"thread_id": thread.ID, "rfc822_id": replyID}); err != nil {
				return err
			}

			beneficiary, err := ledger.GetBeneficiaryForUpdate(tx, locked.BeneficiaryID)
			if err != nil {
				return err
			}
			beneficiary.Cleared += locked.Amount
			beneficiary.UpdatedAt = now
			if err := tx.Save(beneficiary).Error; err != nil {
				return err
			}
		}
		if partial {
			return ledger.AppendAudit(tx, now, ledger.SystemActor, ledger.AuditPartialVerification, refID,
				fmt.Sprintf("hostel confirmed %d of the open allocations", len(allocations)),
				"", "", map[string]string{"reasoning": result.Reasoning})
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Donor finals outside the transaction: a send failure leaves the
	// allocation HOSTEL_VERIFIED for the next pass to complete.
	for _, alloc := range allocations {
		if err := w.completeAllocation(ctx, alloc.ID); err != nil {
			w.log.Error("donor final failed",
				slog.String("alloc_id", alloc.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	// Recompute each parent pledge once.
	seen := make(map[string]bool)
	for _, alloc := range allocations {
		if seen[alloc.PledgeID] {
			continue
		}
		seen[alloc.PledgeID] = true
		if err := w.recomputePledge(ctx, alloc.PledgeID); err != nil {
			return err
		}
	}
	if w.cache != nil {
		if err := w.cache.Refresh(ctx, w.store); err != nil {
			w.log.Warn("cache refresh failed", slog.String("error", err.Error()))
		}
	}
	return w.gateway.ApplyLabel(ctx, thread.ID, mail.LabelWatchdogProcessed)
}

// completeAllocation sends the donor final notification into the stored
// intermediate thread, then moves HOSTEL_VERIFIED to COMPLETED.
func (w *Watchdog) completeAllocation(ctx context.Context, allocID string) error {
	alloc, err := w.store.GetAllocation(ctx, allocID)
	if err != nil {
		return err
	}
	if alloc.Status != ledger.AllocationHostelVerified {
		return nil
	}
	pledge, err := w.store.GetPledge(ctx, alloc.PledgeID)
	if err != nil {
		return err
	}
	rendered, err := w.registry.Render(templates.DonorFinal, map[string]string{
		"donor_name": pledge.DonorName,
		"alloc_id":   alloc.ID,
		"amount":     ledger.FormatAmount(alloc.Amount),
	})
	if err != nil {
		return err
	}
	out := mail.Outbound{
		To:       []string{pledge.DonorEmail},
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
	}
	var sent mail.Message
	if alloc.DonorNotifyMsgID != "" {
		sent, err = w.gateway.ReplyInThread(ctx, alloc.DonorNotifyMsgID, out)
	} else {
		var draft mail.Draft
		draft, err = w.gateway.CreateDraft(ctx, out)
		if err == nil {
			sent, err = w.gateway.SendDraft(ctx, draft)
		}
	}
	if err != nil {
		return fmt.Errorf("send donor final: %w", err)
	}

	now := w.nowFn().UTC()
	return w.store.Transaction(ctx, func(tx *gorm.DB) error {
		locked, err := lockedAllocation(tx, alloc.ID)
		if err != nil {
			return err
		}
		if err := ledger.ValidateAllocationTransition(locked.Status, ledger.AllocationCompleted); err != nil {
			return err
		}
		locked.Status = ledger.AllocationCompleted
		locked.DonorFinalMsgID = sent.RFC822ID
		locked.DonorFinalAt = &now
		return tx.Save(locked).Error
	})
}

// recomputePledge refreshes rollup-driven status after allocations settle.
func (w *Watchdog) recomputePledge(ctx context.Context, pledgeID string) error {
	now := w.nowFn().UTC()
	return w.store.Transaction(ctx, func(tx *gorm.DB) error {
		pledge, err := ledger.GetPledgeForUpdate(tx, pledgeID)
		if err != nil {
			return err
		}
		open, err := ledger.CountOpenAllocations(tx, pledgeID)
		if err != nil {
			return err
		}
		prev := pledge.Status
		next := ledger.DerivePledgeStatus(pledge, open, w.slack)
		if prev == next {
			return nil
		}
		if err := ledger.ValidatePledgeTransition(prev, next); err != nil {
			return err
		}
		pledge.Status = next
		pledge.UpdatedAt = now
		if err := tx.Save(pledge).Error; err != nil {
			return err
		}
		return ledger.AppendAudit(tx, now, ledger.SystemActor, ledger.AuditStatusChange, pledgeID,
			"status recomputed after hostel verification", string(prev), string(next), nil)
	})
}

// markQuery parks the allocations in HOSTEL_QUERY and alerts the admins.
func (w *Watchdog) markQuery(ctx context.Context, thread mail.Thread, refID string, allocations []ledger.Allocation, replyMsg *mail.Message, result classifier.ReplyResult) error {
	token, err := w.lock.TryAcquire(ctx, w.lockTimeout)
	if err != nil {
		if errors.Is(err, lockmgr.ErrTimeout) {
			metrics.Engine().RecordLockTimeout()
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer w.lock.Release(token)

	now := w.nowFn().UTC()
	replyID := ""
	if replyMsg != nil {
		replyID = replyMsg.RFC822ID
	}
	err = w.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, alloc := range allocations {
			locked, err := lockedAllocation(tx, alloc.ID)
			if err != nil {
				return err
			}
			if locked.Status != ledger.AllocationPendingHostel {
				continue
			}
			if err := ledger.ValidateAllocationTransition(locked.Status, ledger.AllocationHostelQuery); err != nil {
				return err
			}
			locked.Status = ledger.AllocationHostelQuery
			if err := tx.Save(locked).Error; err != nil {
				return err
			}
			if err := ledger.AppendAudit(tx, now, ledger.SystemActor, ledger.AuditHostelQuery, locked.ID,
				"hostel raised a query", string(ledger.AllocationPendingHostel), string(ledger.AllocationHostelQuery),
				map[string]string{"thread_id": thread.ID, "rfc822_id": replyID}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := w.sendAdminAlert(ctx, thread, refID, "Hostel raised a query: "+result.Reasoning); err != nil {
		w.log.Error("admin alert failed", slog.String("error", err.Error()))
	}
	return w.gateway.ApplyLabel(ctx, thread.ID, mail.LabelWatchdogManualReview)
}

// escalate routes a thread to manual review without touching ledger state.
func (w *Watchdog) escalate(ctx context.Context, thread mail.Thread, refID, reason string) error {
	metrics.Engine().RecordManualReview()
	if err := w.store.AppendAuditEvent(ctx, ledger.SystemActor, ledger.AuditAlert, refID,
		reason, "", "", map[string]string{"thread_id": thread.ID}); err != nil {
		return err
	}
	if err := w.sendAdminAlert(ctx, thread, refID, reason); err != nil {
		w.log.Error("admin alert failed", slog.String("error", err.Error()))
	}
	return w.gateway.ApplyLabel(ctx, thread.ID, mail.LabelWatchdogManualReview)
}

func (w *Watchdog) sendAdminAlert(ctx context.Context, thread mail.Thread, refID, reason string) error {
	if len(w.adminAlerts) == 0 {
		return nil
	}
	draft, err := w.gateway.CreateDraft(ctx, mail.Outbound{
		To:      w.adminAlerts,
		Subject: "Manual review needed: " + refID,
		HTMLBody: fmt.Sprintf("<p>%s</p><p>Thread subject: %s</p>",
			reason, thread.Subject),
	})
	if err != nil {
		return err
	}
	_, err = w.gateway.SendDraft(ctx, draft)
	return err
}

func lockedAllocation(tx *gorm.DB, id string) (*ledger.Allocation, error) {
	var row ledger.Allocation
	if err := tx.First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: allocation %s", ledger.ErrNotFound, id)
		}
		return nil, err
	}
	return &row, nil
}
