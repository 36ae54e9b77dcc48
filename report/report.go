// Package report materialises the anonymised donor report shared with the
// charity's chapter leads. Donor identities are replaced with salted HMAC
// references so rows can be correlated across report runs without exposing
// email addresses.
package report

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"hostelfund/config"
	"hostelfund/ledger"
)

// Row summarises one pledge for the report window.
type Row struct {
	DonorRef        string
	Chapter         string
	Zakat           bool
	Status          string
	PromisedAmount  int64
	VerifiedTotal   int64
	AllocatedTotal  int64
	CompletedAmount int64
	ReceiptCount    int
	AllocationCount int
	CreatedAt       time.Time
}

// Result references the artefacts generated by one run.
type Result struct {
	Start       time.Time
	End         time.Time
	Rows        []Row
	CSVPath     string
	ParquetPath string
}

// Reporter builds report files from the ledger.
type Reporter struct {
	store     *ledger.Store
	outputDir string
	salt      []byte
	log       *slog.Logger
	nowFn     func() time.Time
}

// New constructs a reporter. The salt must be non-empty; an unsalted hash of
// an email address is trivially reversible by dictionary.
func New(store *ledger.Store, cfg config.ExportConfig, log *slog.Logger) (*Reporter, error) {
	if strings.TrimSpace(cfg.Salt) == "" {
		return nil, errors.New("report: export salt is required")
	}
	outputDir := cfg.OutputDir
	if strings.TrimSpace(outputDir) == "" {
		outputDir = "reports"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reporter{
		store:     store,
		outputDir: outputDir,
		salt:      []byte(cfg.Salt),
		log:       log,
		nowFn:     time.Now,
	}, nil
}

// SetNowFunc overrides the clock for tests.
func (r *Reporter) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	r.nowFn = now
}

// DonorRef derives the stable anonymised reference for a donor email.
func (r *Reporter) DonorRef(email string) string {
	mac := hmac.New(sha256.New, r.salt)
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// Run builds the report for pledges created in [start, end) and writes the
// CSV and Parquet artefacts.
func (r *Reporter) Run(ctx context.Context, start, end time.Time) (*Result, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("report: end %s before start %s", end, start)
	}
	pledges, err := r.store.SnapshotPledges(ctx)
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(pledges))
	for _, pledge := range pledges {
		if pledge.CreatedAt.Before(start) || !pledge.CreatedAt.Before(end) {
			continue
		}
		receipts, err := r.store.ListReceipts(ctx, pledge.ID)
		if err != nil {
			return nil, err
		}
		allocations, err := r.store.ListAllocations(ctx, pledge.ID)
		if err != nil {
			return nil, err
		}
		completed := int64(0)
		for _, alloc := range allocations {
			if alloc.Status == ledger.AllocationCompleted {
				completed += alloc.Amount
			}
		}
		rows = append(rows, Row{
			DonorRef:        r.DonorRef(pledge.DonorEmail),
			Chapter:         pledge.Chapter,
			Zakat:           pledge.Zakat,
			Status:          string(pledge.Status),
			PromisedAmount:  pledge.PromisedAmount,
			VerifiedTotal:   pledge.VerifiedTotal,
			AllocatedTotal:  pledge.AllocatedTotal,
			CompletedAmount: completed,
			ReceiptCount:    len(receipts),
			AllocationCount: len(allocations),
			CreatedAt:       pledge.CreatedAt.UTC(),
		})
	}

	runDir := filepath.Join(r.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("report: ensure output dir: %w", err)
	}
	csvPath := filepath.Join(runDir, "donor_report.csv")
	if err := writeCSV(csvPath, rows); err != nil {
		return nil, err
	}
	parquetPath := filepath.Join(runDir, "donor_report.parquet")
	if err := writeParquet(parquetPath, rows); err != nil {
		return nil, err
	}
	r.log.Info("donor report written",
		slog.String("csv", csvPath),
		slog.String("parquet", parquetPath),
		slog.Int("rows", len(rows)),
	)
	return &Result{Start: start, End: end, Rows: rows, CSVPath: csvPath, ParquetPath: parquetPath}, nil
}

func writeCSV(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"donor_ref", "chapter", "zakat", "status", "promised_amount", "verified_total",
		"allocated_total", "completed_amount", "receipt_count", "allocation_count", "created_at",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.DonorRef,
			row.Chapter,
			strconv.FormatBool(row.Zakat),
			row.Status,
			strconv.FormatInt(row.PromisedAmount, 10),
			strconv.FormatInt(row.VerifiedTotal, 10),
			strconv.FormatInt(row.AllocatedTotal, 10),
			strconv.FormatInt(row.CompletedAmount, 10),
			strconv.Itoa(row.ReceiptCount),
			strconv.Itoa(row.AllocationCount),
			row.CreatedAt.Format(time.RFC3339),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("report: flush csv: %w", err)
	}
	return nil
}

type parquetRow struct {
	DonorRef        string `parquet:"name=donor_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	Chapter         string `parquet:"name=chapter, type=BYTE_ARRAY, convertedtype=UTF8"`
	Zakat           bool   `parquet:"name=zakat, type=BOOLEAN"`
	Status          string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	PromisedAmount  int64  `parquet:"name=promised_amount, type=INT64"`
	VerifiedTotal   int64  `parquet:"name=verified_total, type=INT64"`
	AllocatedTotal  int64  `parquet:"name=allocated_total, type=INT64"`
	CompletedAmount int64  `parquet:"name=completed_amount, type=INT64"`
	ReceiptCount    int32  `parquet:"name=receipt_count, type=INT32"`
	AllocationCount int32  `parquet:"name=allocation_count, type=INT32"`
	CreatedAt       string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeParquet(path string, rows []Row) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("report: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetRow{
			DonorRef:        row.DonorRef,
			Chapter:         row.Chapter,
			Zakat:           row.Zakat,
			Status:          row.Status,
			PromisedAmount:  row.PromisedAmount,
			VerifiedTotal:   row.VerifiedTotal,
			AllocatedTotal:  row.AllocatedTotal,
			CompletedAmount: row.CompletedAmount,
			ReceiptCount:    int32(row.ReceiptCount),
			AllocationCount: int32(row.AllocationCount),
			CreatedAt:       row.CreatedAt.Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("report: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("report: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("report: close parquet file: %w", err)
	}
	return nil
}
