// Package allocation moves verified pledge funds to beneficiaries. Every
// allocation runs under the global lock and follows notify-then-commit: both
// the hostel and the donor emails must be delivered before any ledger row is
// written, so a committed allocation always carries its message ids.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"gorm.io/gorm"

	"hostelfund/config"
	"hostelfund/ledger"
	"hostelfund/lockmgr"
	"hostelfund/mail"
	"hostelfund/observability/metrics"
	"hostelfund/templates"
)

// Sentinel errors map one-to-one onto the operator API error codes.
var (
	ErrSystemBusy        = errors.New("allocation: system busy")
	ErrInsufficientFunds = errors.New("allocation: insufficient verified funds")
	ErrExceedsNeed       = errors.New("allocation: amount exceeds beneficiary need")
)

// Entry is one requested allocation line.
type Entry struct {
	PledgeID      string `json:"pledge_id"`
	BeneficiaryID string `json:"beneficiary_id"`
	Amount        int64  `json:"amount"`
}

// Result reports the committed allocations.
type Result struct {
	BatchID     string              `json:"batch_id,omitempty"`
	Allocations []ledger.Allocation `json:"allocations"`
}

// Engine executes allocation transactions.
type Engine struct {
	store       *ledger.Store
	gateway     mail.Gateway
	registry    *templates.Registry
	lock        *lockmgr.Manager
	cache       *ledger.LookupCache
	selfAddr    string
	lockTimeout time.Duration
	slack       int64
	log         *slog.Logger
	nowFn       func() time.Time
}

// NewEngine wires the allocation path.
func NewEngine(store *ledger.Store, gateway mail.Gateway, registry *templates.Registry, lock *lockmgr.Manager, cache *ledger.LookupCache, mailCfg config.MailConfig, engineCfg config.EngineConfig, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		store:       store,
		gateway:     gateway,
		registry:    registry,
		lock:        lock,
		cache:       cache,
		selfAddr:    mailCfg.SelfAddress,
		lockTimeout: engineCfg.LockTimeout.Duration,
		slack:       engineCfg.VerificationSlack,
		log:         log,
		nowFn:       time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	e.nowFn = now
}

// Single allocates one amount from one pledge to one beneficiary.
func (e *Engine) Single(ctx context.Context, actor string, entry Entry) (*Result, error) {
	return e.run(ctx, actor, []Entry{entry}, false)
}

// Batch allocates several lines atomically under one BATCH id. The final
// line of each pledge is capped to the remaining balance; a non-final line
// that over-draws fails the whole batch.
func (e *Engine) Batch(ctx context.Context, actor string, entries []Entry) (*Result, error) {
	if len(entries) < 2 {
		return nil, fmt.Errorf("allocation: batch needs at least two entries")
	}
	return e.run(ctx, actor, entries, true)
}

func (e *Engine) run(ctx context.Context, actor string, entries []Entry, batch bool) (*Result, error) {
	token, err := e.lock.TryAcquire(ctx, e.lockTimeout)
	if err != nil {
		if errors.Is(err, lockmgr.ErrTimeout) {
			metrics.Engine().RecordLockTimeout()
			metrics.Engine().RecordAllocationError("SYSTEM_BUSY")
			return nil, fmt.Errorf("%w: %v", ErrSystemBusy, err)
		}
		return nil, err
	}
	defer e.lock.Release(token)

	result, err := e.allocateLocked(ctx, actor, entries, batch)
	if err != nil {
		metrics.Engine().RecordAllocationError(errorCode(err))
		return nil, err
	}
	mode := "single"
	if batch {
		mode = "batch"
	}
	metrics.Engine().RecordAllocation(mode)
	if e.cache != nil {
		if err := e.cache.Refresh(ctx, e.store); err != nil {
			e.log.Warn("cache refresh failed", slog.String("error", err.Error()))
		}
	}
	return result, nil
}

// errorCode maps a failure to its API error code for metrics labels.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return "INSUFFICIENT_FUNDS"
	case errors.Is(err, ErrExceedsNeed):
		return "EXCEEDS_NEED"
	case errors.Is(err, ledger.ErrInvalidTransition):
		return "INVALID_TRANSITION"
	default:
		return "INTERNAL"
	}
}

// plan is one validated allocation line with its minted id.
type plan struct {
	entry       Entry
	allocID     string
	pledge      *ledger.Pledge
	beneficiary *ledger.Beneficiary
	studentName string
}

func (e *Engine) allocateLocked(ctx context.Context, actor string, entries []Entry, batch bool) (*Result, error) {
	now := e.nowFn().UTC()

	// Fresh in-lock reads; the cached figures the operator saw may be stale.
	plans := make([]*plan, 0, len(entries))
	pledgeBalance := make(map[string]int64)
	benefLast := make(map[string]int)
	for i, entry := range entries {
		benefLast[entry.BeneficiaryID] = i
	}
	benefPending := make(map[string]int64)
	for i, entry := range entries {
		if entry.Amount <= 0 {
			return nil, fmt.Errorf("allocation: amount must be positive")
		}
		pledge, err := e.store.GetPledge(ctx, entry.PledgeID)
		if err != nil {
			return nil, err
		}
		beneficiary, err := e.store.GetBeneficiary(ctx, entry.BeneficiaryID)
		if err != nil {
			return nil, err
		}
		if _, seen := pledgeBalance[pledge.ID]; !seen {
			pledgeBalance[pledge.ID] = pledge.Balance()
		}
		if _, seen := benefPending[beneficiary.ID]; !seen {
			benefPending[beneficiary.ID] = beneficiary.Pending
		}
		// Balance before state: a racer that lost the lock should hear
		// "insufficient funds", not a status complaint.
		amount := entry.Amount
		if amount > pledgeBalance[pledge.ID] {
			return nil, fmt.Errorf("%w: pledge %s balance %d, requested %d",
				ErrInsufficientFunds, pledge.ID, pledgeBalance[pledge.ID], entry.Amount)
		}
		if !pledge.Status.Allocatable() {
			return nil, fmt.Errorf("%w: pledge %s in status %s accepts no allocations",
				ledger.ErrInvalidTransition, pledge.ID, pledge.Status)
		}
		if amount > benefPending[beneficiary.ID] {
			if batch && benefLast[entry.BeneficiaryID] == i && benefPending[beneficiary.ID] > 0 {
				// Final line for this beneficiary absorbs the remaining need.
				amount = benefPending[beneficiary.ID]
			} else {
				return nil, fmt.Errorf("%w: beneficiary %s pending %d, requested %d",
					ErrExceedsNeed, beneficiary.ID, benefPending[beneficiary.ID], amount)
			}
		}
		pledgeBalance[pledge.ID] -= amount
		benefPending[beneficiary.ID] -= amount

		confidential, err := e.store.GetConfidential(ctx, beneficiary.ID)
		if err != nil {
			return nil, err
		}
		entry.Amount = amount
		plans = append(plans, &plan{
			entry:       entry,
			pledge:      pledge,
			beneficiary: beneficiary,
			studentName: confidential.Name,
		})
	}

	// Mint ids before sending; references appear in the email subjects.
	var batchID string
	err := e.store.Transaction(ctx, func(tx *gorm.DB) error {
		if batch {
			id, err := ledger.NextBatchID(tx)
			if err != nil {
				return err
			}
			batchID = id
		}
		for _, p := range plans {
			id, err := ledger.NextAllocationID(tx)
			if err != nil {
				return err
			}
			p.allocID = id
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Notify first. Any send failure aborts before a single row is written;
	// the minted ids stay burned, which is harmless.
	var hostelMsgs map[string]mail.Message
	if batch {
		hostelMsgs, err = e.sendBatchHostelEmail(ctx, batchID, plans)
	} else {
		hostelMsgs, err = e.sendSingleHostelEmail(ctx, plans[0])
	}
	if err != nil {
		return nil, fmt.Errorf("hostel notification failed, allocation aborted: %w", err)
	}
	donorMsgs, err := e.sendDonorIntermediates(ctx, plans)
	if err != nil {
		return nil, fmt.Errorf("donor notification failed, allocation aborted: %w", err)
	}

	// Commit last.
	result := &Result{BatchID: batchID}
	err = e.store.Transaction(ctx, func(tx *gorm.DB) error {
		for _, p := range plans {
			hostelMsg := hostelMsgs[p.allocID]
			donorMsg := donorMsgs[p.pledge.ID]
			row := ledger.Allocation{
				ID:               p.allocID,
				PledgeID:         p.pledge.ID,
				BeneficiaryID:    p.beneficiary.ID,
				Amount:           p.entry.Amount,
				Status:           ledger.AllocationPendingHostel,
				BatchID:          batchID,
				CreatedAt:        now,
				HostelMsgID:      hostelMsg.RFC822ID,
				HostelAt:         timePtr(now),
				DonorNotifyMsgID: donorMsg.RFC822ID,
				DonorNotifyAt:    timePtr(now),
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			result.Allocations = append(result.Allocations, row)

			beneficiary, err := ledger.GetBeneficiaryForUpdate(tx, p.beneficiary.ID)
			if err != nil {
				return err
			}
			beneficiary.Pending -= p.entry.Amount
			beneficiary.UpdatedAt = now
			if err := tx.Save(beneficiary).Error; err != nil {
				return err
			}

			if err := e.settlePledge(tx, now, actor, p.pledge.ID); err != nil {
				return err
			}
			if err := ledger.AppendAudit(tx, now, actor, ledger.AuditAllocation, row.ID,
				fmt.Sprintf("allocated %s from %s to %s", ledger.FormatAmount(row.Amount), row.PledgeID, row.BeneficiaryID),
				"", string(row.Status), map[string]string{
					"pledge_id":      row.PledgeID,
					"beneficiary_id": row.BeneficiaryID,
					"batch_id":       batchID,
				}); err != nil {
				return err
			}
		}
		if batch {
			total := int64(0)
			for _, p := range plans {
				total += p.entry.Amount
			}
			return ledger.AppendAudit(tx, now, actor, ledger.AuditBatchAllocation, batchID,
				fmt.Sprintf("batch of %d allocations totalling %s", len(plans), ledger.FormatAmount(total)),
				"", "", nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, row := range result.Allocations {
		e.log.Info("allocation committed",
			slog.String("alloc_id", row.ID),
			slog.String("pledge_id", row.PledgeID),
			slog.String("beneficiary_id", row.BeneficiaryID),
			slog.Int64("amount", row.Amount),
			slog.String("batch_id", batchID),
		)
	}
	return result, nil
}

// settlePledge recomputes a pledge's rollups and derived status inside tx.
func (e *Engine) settlePledge(tx *gorm.DB, now time.Time, actor, pledgeID string) error {
	pledge, err := ledger.GetPledgeForUpdate(tx, pledgeID)
	if err != nil {
		return err
	}
	allocated, err := ledger.RecomputeAllocatedTotal(tx, pledgeID)
	if err != nil {
		return err
	}
	open, err := ledger.CountOpenAllocations(tx, pledgeID)
	if err != nil {
		return err
	}
	prev := pledge.Status
	pledge.AllocatedTotal = allocated
	next := ledger.DerivePledgeStatus(pledge, open, e.slack)
	if err := ledger.ValidatePledgeTransition(prev, next); err != nil {
		// A full-balance allocation from PROOF_SUBMITTED or VERIFIED passes
		// through PARTIALLY_ALLOCATED within the same commit.
		if stepErr := ledger.ValidatePledgeTransition(prev, ledger.PledgePartiallyAllocated); stepErr != nil {
			return err
		}
		if stepErr := ledger.ValidatePledgeTransition(ledger.PledgePartiallyAllocated, next); stepErr != nil {
			return err
		}
	}
	pledge.Status = next
	pledge.UpdatedAt = now
	if err := tx.Save(pledge).Error; err != nil {
		return err
	}
	metrics.Engine().SetPledgeBalance(pledge.ID, pledge.Balance())
	if prev != next {
		return ledger.AppendAudit(tx, now, actor, ledger.AuditStatusChange, pledge.ID,
			"status recomputed after allocation", string(prev), string(next), nil)
	}
	return nil
}

// mailtoLink builds the reply link embedded in hostel emails. The link sends
// to the engine's own mailbox and BCCs every donor, so the hostel's single
// reply reaches each donor privately.
func (e *Engine) mailtoLink(templateID string, data map[string]string, bcc []string) (string, error) {
	rendered, err := e.registry.Render(templateID, data)
	if err != nil {
		return "", err
	}
	params := url.Values{}
	params.Set("subject", rendered.Subject)
	params.Set("body", rendered.HTMLBody)
	if len(bcc) > 0 {
		params.Set("bcc", strings.Join(bcc, ","))
	}
	// mailto uses %20 for spaces, not '+'.
	query := strings.ReplaceAll(params.Encode(), "+", "%20")
	return "mailto:" + e.selfAddr + "?" + query, nil
}

// sendSingleHostelEmail sends the verification request for one allocation and
// returns the message keyed by allocation id.
func (e *Engine) sendSingleHostelEmail(ctx context.Context, p *plan) (map[string]mail.Message, error) {
	rendered, err := e.registry.Render(templates.HostelVerification, map[string]string{
		"pledge_id": p.pledge.ID,
		"alloc_id":  p.allocID,
		"amount":    ledger.FormatAmount(p.entry.Amount),
		"student":   p.studentName,
	})
	if err != nil {
		return nil, err
	}
	link, err := e.mailtoLink(templates.HostelMailto, map[string]string{
		"pledge_id": p.pledge.ID,
		"alloc_id":  p.allocID,
		"amount":    ledger.FormatAmount(p.entry.Amount),
	}, []string{p.pledge.DonorEmail})
	if err != nil {
		return nil, err
	}
	body := rendered.HTMLBody + fmt.Sprintf("\n<p><a href=%q>Reply to confirm receipt</a></p>", link)
	draft, err := e.gateway.CreateDraft(ctx, mail.Outbound{
		To:       []string{p.beneficiary.HostelEmail},
		Subject:  rendered.Subject,
		HTMLBody: body,
	})
	if err != nil {
		return nil, err
	}
	sent, err := e.gateway.SendDraft(ctx, draft)
	if err != nil {
		return nil, err
	}
	return map[string]mail.Message{p.allocID: sent}, nil
}

// sendBatchHostelEmail sends one intimation covering every line of the batch.
// All allocations share the same hostel message id.
func (e *Engine) sendBatchHostelEmail(ctx context.Context, batchID string, plans []*plan) (map[string]mail.Message, error) {
	var lines strings.Builder
	lines.WriteString("<ul>\n")
	total := int64(0)
	recipients := make([]string, 0, len(plans))
	seen := make(map[string]bool)
	for _, p := range plans {
		total += p.entry.Amount
		fmt.Fprintf(&lines, "<li>%s - %s for %s</li>\n",
			p.allocID, ledger.FormatAmount(p.entry.Amount), p.studentName)
		if !seen[p.beneficiary.HostelEmail] {
			seen[p.beneficiary.HostelEmail] = true
			recipients = append(recipients, p.beneficiary.HostelEmail)
		}
	}
	lines.WriteString("</ul>")
	rendered, err := e.registry.Render(templates.BatchIntimation, map[string]string{
		"batch_id":     batchID,
		"total_amount": ledger.FormatAmount(total),
		"lines":        lines.String(),
	})
	if err != nil {
		return nil, err
	}
	donors := make([]string, 0, len(plans))
	seenDonor := make(map[string]bool)
	for _, p := range plans {
		if !seenDonor[p.pledge.DonorEmail] {
			seenDonor[p.pledge.DonorEmail] = true
			donors = append(donors, p.pledge.DonorEmail)
		}
	}
	link, err := e.mailtoLink(templates.BatchMailto, map[string]string{
		"batch_id":     batchID,
		"total_amount": ledger.FormatAmount(total),
	}, donors)
	if err != nil {
		return nil, err
	}
	body := rendered.HTMLBody + fmt.Sprintf("\n<p><a href=%q>Reply to confirm receipt</a></p>", link)
	draft, err := e.gateway.CreateDraft(ctx, mail.Outbound{
		To:       recipients,
		Subject:  rendered.Subject,
		HTMLBody: body,
	})
	if err != nil {
		return nil, err
	}
	sent, err := e.gateway.SendDraft(ctx, draft)
	if err != nil {
		return nil, err
	}
	out := make(map[string]mail.Message, len(plans))
	for _, p := range plans {
		out[p.allocID] = sent
	}
	return out, nil
}

// sendDonorIntermediates notifies each distinct donor once, replying into the
// pledge confirmation thread when one exists. Messages are keyed by pledge id.
func (e *Engine) sendDonorIntermediates(ctx context.Context, plans []*plan) (map[string]mail.Message, error) {
	byPledge := make(map[string][]*plan)
	order := make([]string, 0, len(plans))
	for _, p := range plans {
		if _, seen := byPledge[p.pledge.ID]; !seen {
			order = append(order, p.pledge.ID)
		}
		byPledge[p.pledge.ID] = append(byPledge[p.pledge.ID], p)
	}
	out := make(map[string]mail.Message, len(order))
	for _, pledgeID := range order {
		group := byPledge[pledgeID]
		first := group[0]
		total := int64(0)
		allocIDs := make([]string, 0, len(group))
		for _, p := range group {
			total += p.entry.Amount
			allocIDs = append(allocIDs, p.allocID)
		}
		rendered, err := e.registry.Render(templates.DonorAllocationIntermediate, map[string]string{
			"donor_name": first.pledge.DonorName,
			"pledge_id":  pledgeID,
			"alloc_id":   strings.Join(allocIDs, ", "),
			"amount":     ledger.FormatAmount(total),
			"school":     first.beneficiary.School,
		})
		if err != nil {
			return nil, err
		}
		out[pledgeID], err = e.sendToDonor(ctx, first.pledge, rendered)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (e *Engine) sendToDonor(ctx context.Context, pledge *ledger.Pledge, rendered templates.Rendered) (mail.Message, error) {
	out := mail.Outbound{
		To:       []string{pledge.DonorEmail},
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
	}
	if pledge.ConfirmationMsgID != "" {
		return e.gateway.ReplyInThread(ctx, pledge.ConfirmationMsgID, out)
	}
	draft, err := e.gateway.CreateDraft(ctx, out)
	if err != nil {
		return mail.Message{}, err
	}
	return e.gateway.SendDraft(ctx, draft)
}

func timePtr(t time.Time) *time.Time {
	out := t
	return &out
}
