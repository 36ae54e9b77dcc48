package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var (
	// ErrNotFound is returned when a row lookup misses.
	ErrNotFound = errors.New("ledger: row not found")
)

// Store wraps the operations database. The confidential beneficiary store is a
// physically separate handle so sensitive fields cannot leak through a join.
type Store struct {
	db    *gorm.DB
	conf  *gorm.DB
	nowFn func() time.Time
}

// Open connects to the ledger backend selected by the DSN: postgres:// URLs go
// to Postgres, anything else is treated as a SQLite path.
func Open(dsn string) (*Store, error) {
	db, err := openDialect(dsn)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db, nowFn: time.Now}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

// AttachConfidential connects the separate confidential store. Without it,
// confidential lookups fail rather than silently reading operations data.
func (s *Store) AttachConfidential(dsn string) error {
	db, err := openDialect(dsn)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(&ConfidentialRecord{}); err != nil {
		return fmt.Errorf("migrate confidential store: %w", err)
	}
	s.conf = db
	return nil
}

func openDialect(dsn string) (*gorm.DB, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, errors.New("ledger: dsn required")
	}
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		db, err := gorm.Open(postgres.Open(trimmed), cfg)
		if err != nil {
			return nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return db, nil
	}
	db, err := gorm.Open(sqlite.Open(trimmed), cfg)
	if err != nil {
		return nil, fmt.Errorf("open sqlite ledger: %w", err)
	}
	return db, nil
}

func (s *Store) migrate() error {
	if err := s.db.AutoMigrate(
		&Pledge{},
		&Receipt{},
		&Allocation{},
		&Beneficiary{},
		&AuditEvent{},
		&counter{},
	); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

// SetNowFunc overrides the store clock; tests use it for deterministic rows.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now == nil {
		s.nowFn = time.Now
		return
	}
	s.nowFn = now
}

func (s *Store) now() time.Time {
	return s.nowFn().UTC()
}

// Transaction runs fn inside a single database transaction.
func (s *Store) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

// DB exposes the underlying handle for read paths that manage their own scope.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// nextSequence increments and returns the named monotonic counter inside tx.
func nextSequence(tx *gorm.DB, name string) (int64, error) {
	var row counter
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "name = ?", name).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		row = counter{Name: name, Value: 1}
		if err := tx.Create(&row).Error; err != nil {
			return 0, fmt.Errorf("create counter %s: %w", name, err)
		}
		return 1, nil
	case err != nil:
		return 0, err
	}
	row.Value++
	if err := tx.Save(&row).Error; err != nil {
		return 0, fmt.Errorf("advance counter %s: %w", name, err)
	}
	return row.Value, nil
}

// NextPledgeID mints PLEDGE-<year>-<n>, monotonically numbered within the year.
func NextPledgeID(tx *gorm.DB, year int) (string, error) {
	seq, err := nextSequence(tx, fmt.Sprintf("pledge-%d", year))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("PLEDGE-%d-%d", year, seq), nil
}

// NextAllocationID mints ALLOC-<n>.
func NextAllocationID(tx *gorm.DB) (string, error) {
	seq, err := nextSequence(tx, "alloc")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("ALLOC-%d", seq), nil
}

// NextBatchID mints BATCH-<n>.
func NextBatchID(tx *gorm.DB) (string, error) {
	seq, err := nextSequence(tx, "batch")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("BATCH-%d", seq), nil
}

// NextReceiptID mints <pledge_id>-R<seq> scoped to the parent pledge.
func NextReceiptID(tx *gorm.DB, pledgeID string) (string, error) {
	seq, err := nextSequence(tx, "receipt-"+pledgeID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-R%d", pledgeID, seq), nil
}

// GetPledge loads a pledge by id.
func (s *Store) GetPledge(ctx context.Context, id string) (*Pledge, error) {
	var pledge Pledge
	if err := s.db.WithContext(ctx).First(&pledge, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: pledge %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &pledge, nil
}

// GetPledgeForUpdate loads a pledge with a row lock inside tx.
func GetPledgeForUpdate(tx *gorm.DB, id string) (*Pledge, error) {
	var pledge Pledge
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&pledge, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: pledge %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &pledge, nil
}

// GetBeneficiary loads the operations projection of a beneficiary.
func (s *Store) GetBeneficiary(ctx context.Context, id string) (*Beneficiary, error) {
	var row Beneficiary
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: beneficiary %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &row, nil
}

// GetBeneficiaryForUpdate loads a beneficiary with a row lock inside tx.
func GetBeneficiaryForUpdate(tx *gorm.DB, id string) (*Beneficiary, error) {
	var row Beneficiary
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: beneficiary %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &row, nil
}

// GetConfidential reads the sensitive half of a beneficiary record. Only the
// notification templating paths call this.
func (s *Store) GetConfidential(ctx context.Context, beneficiaryID string) (*ConfidentialRecord, error) {
	if s.conf == nil {
		return nil, errors.New("ledger: confidential store not attached")
	}
	var row ConfidentialRecord
	if err := s.conf.WithContext(ctx).First(&row, "beneficiary_id = ?", beneficiaryID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: confidential record %s", ErrNotFound, beneficiaryID)
		}
		return nil, err
	}
	return &row, nil
}

// PutConfidential writes a confidential record; used by provisioning and tests.
func (s *Store) PutConfidential(ctx context.Context, rec ConfidentialRecord) error {
	if s.conf == nil {
		return errors.New("ledger: confidential store not attached")
	}
	return s.conf.WithContext(ctx).Save(&rec).Error
}

// ListReceipts returns every receipt of a pledge in append order.
func (s *Store) ListReceipts(ctx context.Context, pledgeID string) ([]Receipt, error) {
	var rows []Receipt
	if err := s.db.WithContext(ctx).Where("pledge_id = ?", pledgeID).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// NormalizeFilename canonicalises an attachment name for the duplicate tuple.
func NormalizeFilename(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// FindDuplicateReceipt reports whether a VALID receipt already exists for the
// duplicate tuple (pledge, verified amount, transfer date, normalised name).
func FindDuplicateReceipt(tx *gorm.DB, pledgeID string, amount int64, transferDate time.Time, filename string) (*Receipt, error) {
	var row Receipt
	err := tx.Where(
		"pledge_id = ? AND verified_amount = ? AND transfer_date = ? AND normalized_filename = ? AND status = ?",
		pledgeID, amount, transferDate.UTC(), NormalizeFilename(filename), ReceiptValid,
	).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// RecomputeVerifiedTotal sums the VALID receipts of a pledge inside tx. The
// stored rollup is an optimisation; this is the authoritative value.
func RecomputeVerifiedTotal(tx *gorm.DB, pledgeID string) (int64, error) {
	var total int64
	err := tx.Model(&Receipt{}).
		Where("pledge_id = ? AND status = ?", pledgeID, ReceiptValid).
		Select("COALESCE(SUM(verified_amount),0)").
		Scan(&total).Error
	return total, err
}

// RecomputeAllocatedTotal sums non-cancelled allocations of a pledge inside tx.
func RecomputeAllocatedTotal(tx *gorm.DB, pledgeID string) (int64, error) {
	var total int64
	err := tx.Model(&Allocation{}).
		Where("pledge_id = ? AND status <> ?", pledgeID, AllocationCancelled).
		Select("COALESCE(SUM(amount),0)").
		Scan(&total).Error
	return total, err
}

// CountOpenAllocations counts a pledge's allocations still awaiting the hostel.
func CountOpenAllocations(tx *gorm.DB, pledgeID string) (int, error) {
	var count int64
	err := tx.Model(&Allocation{}).
		Where("pledge_id = ? AND status IN ?", pledgeID, []AllocationStatus{AllocationPendingHostel, AllocationHostelQuery}).
		Count(&count).Error
	return int(count), err
}

// ListAllocations returns every allocation of a pledge in creation order.
func (s *Store) ListAllocations(ctx context.Context, pledgeID string) ([]Allocation, error) {
	var rows []Allocation
	if err := s.db.WithContext(ctx).Where("pledge_id = ?", pledgeID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// GetAllocation loads one allocation.
func (s *Store) GetAllocation(ctx context.Context, id string) (*Allocation, error) {
	var row Allocation
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: allocation %s", ErrNotFound, id)
		}
		return nil, err
	}
	return &row, nil
}

// OpenAllocationsByReference groups PENDING_HOSTEL allocations by the reference
// the hostel replies against: the batch id when present, otherwise the pledge
// id. The watchdog correlates inbound threads through this map.
func (s *Store) OpenAllocationsByReference(ctx context.Context) (map[string][]Allocation, error) {
	var rows []Allocation
	if err := s.db.WithContext(ctx).
		Where("status = ?", AllocationPendingHostel).
		Order("created_at").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	grouped := make(map[string][]Allocation)
	for _, row := range rows {
		ref := row.PledgeID
		if row.BatchID != "" {
			ref = row.BatchID
		}
		grouped[ref] = append(grouped[ref], row)
		if row.BatchID != "" {
			// Hostels sometimes reply quoting the pledge even for batches.
			grouped[row.PledgeID] = append(grouped[row.PledgeID], row)
		}
	}
	return grouped, nil
}

// SnapshotPledges returns an immutable copy of the pledge table ordered by id.
func (s *Store) SnapshotPledges(ctx context.Context) ([]Pledge, error) {
	var rows []Pledge
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// ListAvailablePledges returns pledges an operator can allocate from.
func (s *Store) ListAvailablePledges(ctx context.Context) ([]Pledge, error) {
	var rows []Pledge
	err := s.db.WithContext(ctx).
		Where("status IN ?", []PledgeStatus{PledgeProofSubmitted, PledgeVerified, PledgePartiallyAllocated}).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	filtered := rows[:0]
	for _, row := range rows {
		if row.Balance() > 0 {
			filtered = append(filtered, row)
		}
	}
	return filtered, nil
}

// ProofLinks maps each given pledge to the storage link of its most recent
// VALID receipt. Pledges without stored evidence are absent from the map.
func (s *Store) ProofLinks(ctx context.Context, pledgeIDs []string) (map[string]string, error) {
	links := make(map[string]string)
	if len(pledgeIDs) == 0 {
		return links, nil
	}
	var rows []Receipt
	err := s.db.WithContext(ctx).
		Where("pledge_id IN ? AND status = ? AND storage_link <> ''", pledgeIDs, ReceiptValid).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		links[row.PledgeID] = row.StorageLink
	}
	return links, nil
}

// ListBeneficiariesWithNeed returns beneficiaries with outstanding need,
// operations projection only.
func (s *Store) ListBeneficiariesWithNeed(ctx context.Context) ([]Beneficiary, error) {
	var rows []Beneficiary
	if err := s.db.WithContext(ctx).Where("pending > 0").Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// AppendAudit writes one immutable audit row. There is no update or delete
// counterpart on purpose.
func AppendAudit(tx *gorm.DB, at time.Time, actor string, kind AuditKind, targetID, description, prev, next string, metadata map[string]string) error {
	if strings.TrimSpace(actor) == "" {
		actor = SystemActor
	}
	encoded := ""
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		encoded = string(data)
	}
	event := AuditEvent{
		ID:          uuid.NewString(),
		At:          at.UTC(),
		Actor:       actor,
		Kind:        kind,
		TargetID:    targetID,
		Description: description,
		PrevValue:   prev,
		NewValue:    next,
		Metadata:    encoded,
	}
	return tx.Create(&event).Error
}

// AppendAuditEvent is the out-of-transaction convenience form.
func (s *Store) AppendAuditEvent(ctx context.Context, actor string, kind AuditKind, targetID, description, prev, next string, metadata map[string]string) error {
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		return AppendAudit(tx, s.now(), actor, kind, targetID, description, prev, next, metadata)
	})
}

// ListAudit returns the audit trail for a target, oldest first.
func (s *Store) ListAudit(ctx context.Context, targetID string) ([]AuditEvent, error) {
	var rows []AuditEvent
	if err := s.db.WithContext(ctx).Where("target_id = ?", targetID).Order("at").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

// CountAudit returns the number of audit rows for a kind, optionally scoped to
// a target. Tests lean on this for idempotency assertions.
func (s *Store) CountAudit(ctx context.Context, kind AuditKind, targetID string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&AuditEvent{}).Where("kind = ?", kind)
	if targetID != "" {
		q = q.Where("target_id = ?", targetID)
	}
	var count int64
	err := q.Count(&count).Error
	return count, err
}

// ForcePledgeStatus is the only path out of a terminal pledge state. It
// bypasses the transition table but always records a STATUS_CHANGE audit row
// with the responsible actor and reason.
func (s *Store) ForcePledgeStatus(ctx context.Context, pledgeID string, next PledgeStatus, actor, reason string) error {
	if strings.TrimSpace(actor) == "" || actor == SystemActor {
		return errors.New("ledger: forced status change requires a named actor")
	}
	return s.Transaction(ctx, func(tx *gorm.DB) error {
		pledge, err := GetPledgeForUpdate(tx, pledgeID)
		if err != nil {
			return err
		}
		prev := pledge.Status
		pledge.Status = next
		pledge.UpdatedAt = s.now()
		if err := tx.Save(pledge).Error; err != nil {
			return err
		}
		return AppendAudit(tx, s.now(), actor, AuditStatusChange, pledgeID,
			"forced status change: "+reason, string(prev), string(next), map[string]string{"forced": "true"})
	})
}

// UpsertBeneficiary provisions or updates the operations projection.
func (s *Store) UpsertBeneficiary(ctx context.Context, row Beneficiary) error {
	row.UpdatedAt = s.now()
	return s.db.WithContext(ctx).Save(&row).Error
}

// CreatePledge inserts a pledge row created by the intake path.
func (s *Store) CreatePledge(ctx context.Context, pledge *Pledge) error {
	return s.db.WithContext(ctx).Create(pledge).Error
}

// SavePledge persists pledge mutations outside an explicit transaction.
func (s *Store) SavePledge(ctx context.Context, pledge *Pledge) error {
	pledge.UpdatedAt = s.now()
	return s.db.WithContext(ctx).Save(pledge).Error
}

// SortedReferenceKeys returns the grouping keys of OpenAllocationsByReference
// in deterministic order.
func SortedReferenceKeys(grouped map[string][]Allocation) []string {
	keys := make([]string, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
