// Package intake turns pledge form submissions into ledger rows and sends the
// donor confirmation email whose RFC-822 id anchors all later receipt
// correlation.
package intake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"

	"hostelfund/config"
	"hostelfund/ledger"
	"hostelfund/mail"
	"hostelfund/observability/logging"
	"hostelfund/templates"
)

// Request is one pledge form submission.
type Request struct {
	DonorEmail string `json:"donor_email"`
	DonorName  string `json:"donor_name"`
	Chapter    string `json:"chapter"`
	// Duration selects a promised amount from the configured mapping. When
	// empty, Amount must carry an explicit figure in minor units.
	Duration       string `json:"duration"`
	Amount         int64  `json:"amount,omitempty"`
	Zakat          bool   `json:"zakat"`
	RequestReceipt bool   `json:"request_receipt"`
}

// Service creates pledges and sends confirmations.
type Service struct {
	store    *ledger.Store
	gateway  mail.Gateway
	registry *templates.Registry
	intake   config.IntakeConfig
	mailCfg  config.MailConfig
	log      *slog.Logger
	nowFn    func() time.Time
}

// NewService wires the intake path.
func NewService(store *ledger.Store, gateway mail.Gateway, registry *templates.Registry, intake config.IntakeConfig, mailCfg config.MailConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		gateway:  gateway,
		registry: registry,
		intake:   intake,
		mailCfg:  mailCfg,
		log:      log,
		nowFn:    time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (s *Service) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.nowFn = now
}

func (s *Service) resolveAmount(req Request) (int64, error) {
	if req.Duration != "" {
		amount, ok := s.intake.DurationAmounts[req.Duration]
		if !ok {
			return 0, fmt.Errorf("intake: unknown duration %q", req.Duration)
		}
		return amount, nil
	}
	if req.Amount <= 0 {
		return 0, fmt.Errorf("intake: amount must be positive when no duration is given")
	}
	return req.Amount, nil
}

// CreatePledge validates the submission, persists the pledge and sends the
// donor confirmation. A failed confirmation send never rolls the pledge back;
// it raises an ALERT audit instead so an operator can resend.
func (s *Service) CreatePledge(ctx context.Context, req Request) (*ledger.Pledge, error) {
	email := strings.TrimSpace(strings.ToLower(req.DonorEmail))
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("intake: donor email %q is not valid", req.DonorEmail)
	}
	name := strings.TrimSpace(req.DonorName)
	if name == "" {
		return nil, fmt.Errorf("intake: donor name is required")
	}
	amount, err := s.resolveAmount(req)
	if err != nil {
		return nil, err
	}
	chapter := strings.TrimSpace(req.Chapter)

	now := s.nowFn().UTC()
	pledge := &ledger.Pledge{
		DonorEmail:     email,
		DonorName:      name,
		Chapter:        chapter,
		PromisedAmount: amount,
		Zakat:          req.Zakat,
		RequestReceipt: req.RequestReceipt,
		Status:         ledger.PledgePledged,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = s.store.Transaction(ctx, func(tx *gorm.DB) error {
		id, err := ledger.NextPledgeID(tx, now.Year())
		if err != nil {
			return err
		}
		pledge.ID = id
		if err := tx.Create(pledge).Error; err != nil {
			return err
		}
		return ledger.AppendAudit(tx, now, ledger.SystemActor, ledger.AuditNewPledge, id,
			"pledge created via intake", "", string(ledger.PledgePledged), map[string]string{
				"chapter": chapter,
				"amount":  ledger.FormatAmount(amount),
			})
	})
	if err != nil {
		return nil, err
	}

	log := s.log.With(
		slog.String("pledge_id", pledge.ID),
		slog.String("donor", logging.MaskEmail(email)),
	)
	if err := s.sendConfirmation(ctx, pledge); err != nil {
		log.Error("confirmation send failed", slog.String("error", err.Error()))
		if auditErr := s.store.AppendAuditEvent(ctx, ledger.SystemActor, ledger.AuditAlert, pledge.ID,
			"confirmation email failed: "+err.Error(), "", "", nil); auditErr != nil {
			log.Error("alert audit failed", slog.String("error", auditErr.Error()))
		}
		return pledge, nil
	}
	log.Info("pledge created", slog.Int64("amount", amount))
	return pledge, nil
}

func (s *Service) sendConfirmation(ctx context.Context, pledge *ledger.Pledge) error {
	rendered, err := s.registry.Render(templates.PledgeConfirmation, map[string]string{
		"donor_name": pledge.DonorName,
		"pledge_id":  pledge.ID,
		"amount":     ledger.FormatAmount(pledge.PromisedAmount),
		"chapter":    pledge.Chapter,
	})
	if err != nil {
		return err
	}
	cc := append([]string{}, s.intake.ChapterLeads[pledge.Chapter]...)
	cc = append(cc, s.mailCfg.AlwaysCC...)
	draft, err := s.gateway.CreateDraft(ctx, mail.Outbound{
		To:       []string{pledge.DonorEmail},
		Cc:       cc,
		Subject:  rendered.Subject,
		HTMLBody: rendered.HTMLBody,
	})
	if err != nil {
		return fmt.Errorf("draft confirmation: %w", err)
	}
	sent, err := s.gateway.SendDraft(ctx, draft)
	if err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}
	pledge.ConfirmationMsgID = sent.RFC822ID
	return s.store.SavePledge(ctx, pledge)
}
