package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Canonical serialisation: fixed column order, ISO-8601 UTC timestamps.
// Exporting, reloading and re-exporting a table yields byte-identical output.

const timeLayout = time.RFC3339

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, raw)
}

func csvPayload(header []string, records [][]string) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(header); err != nil {
		return nil, "", err
	}
	for _, record := range records {
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

var pledgeHeader = []string{
	"id", "donor_email", "donor_name", "chapter", "promised_amount", "zakat",
	"request_receipt", "status", "verified_total", "allocated_total",
	"confirmation_msg_id", "last_receipt_msg_id", "created_at", "updated_at",
}

// ExportPledges serialises the pledge table canonically and returns the data
// with a SHA-256 checksum of the payload.
func (s *Store) ExportPledges(ctx context.Context) ([]byte, string, error) {
	rows, err := s.SnapshotPledges(ctx)
	if err != nil {
		return nil, "", err
	}
	records := make([][]string, 0, len(rows))
	for _, p := range rows {
		records = append(records, []string{
			p.ID, p.DonorEmail, p.DonorName, p.Chapter,
			strconv.FormatInt(p.PromisedAmount, 10),
			strconv.FormatBool(p.Zakat),
			strconv.FormatBool(p.RequestReceipt),
			string(p.Status),
			strconv.FormatInt(p.VerifiedTotal, 10),
			strconv.FormatInt(p.AllocatedTotal, 10),
			p.ConfirmationMsgID, p.LastReceiptMsgID,
			formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
		})
	}
	return csvPayload(pledgeHeader, records)
}

// ImportPledges reloads a canonical pledge export, replacing current rows.
func (s *Store) ImportPledges(ctx context.Context, data []byte) error {
	reader := csv.NewReader(bytes.NewReader(data))
	records, err := reader.ReadAll()
	if err != nil {
		return fmt.Errorf("read pledge export: %w", err)
	}
	if len(records) == 0 {
		return fmt.Errorf("pledge export missing header")
	}
	if err := s.db.WithContext(ctx).Where("1 = 1").Delete(&Pledge{}).Error; err != nil {
		return err
	}
	for _, record := range records[1:] {
		if len(record) != len(pledgeHeader) {
			return fmt.Errorf("pledge export row has %d columns, want %d", len(record), len(pledgeHeader))
		}
		promised, err := strconv.ParseInt(record[4], 10, 64)
		if err != nil {
			return fmt.Errorf("parse promised_amount: %w", err)
		}
		zakat, err := strconv.ParseBool(record[5])
		if err != nil {
			return fmt.Errorf("parse zakat: %w", err)
		}
		wantsReceipt, err := strconv.ParseBool(record[6])
		if err != nil {
			return fmt.Errorf("parse request_receipt: %w", err)
		}
		verified, err := strconv.ParseInt(record[8], 10, 64)
		if err != nil {
			return fmt.Errorf("parse verified_total: %w", err)
		}
		allocated, err := strconv.ParseInt(record[9], 10, 64)
		if err != nil {
			return fmt.Errorf("parse allocated_total: %w", err)
		}
		createdAt, err := parseTime(record[12])
		if err != nil {
			return fmt.Errorf("parse created_at: %w", err)
		}
		updatedAt, err := parseTime(record[13])
		if err != nil {
			return fmt.Errorf("parse updated_at: %w", err)
		}
		row := Pledge{
			ID:                record[0],
			DonorEmail:        record[1],
			DonorName:         record[2],
			Chapter:           record[3],
			PromisedAmount:    promised,
			Zakat:             zakat,
			RequestReceipt:    wantsReceipt,
			Status:            PledgeStatus(record[7]),
			VerifiedTotal:     verified,
			AllocatedTotal:    allocated,
			ConfirmationMsgID: record[10],
			LastReceiptMsgID:  record[11],
			CreatedAt:         createdAt,
			UpdatedAt:         updatedAt,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}

var receiptHeader = []string{
	"id", "pledge_id", "processed_at", "email_at", "transfer_date",
	"declared_amount", "verified_amount", "confidence", "storage_link",
	"filename", "status",
}

// ExportReceipts serialises the receipt table canonically.
func (s *Store) ExportReceipts(ctx context.Context) ([]byte, string, error) {
	var rows []Receipt
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, "", err
	}
	records := make([][]string, 0, len(rows))
	for _, r := range rows {
		records = append(records, []string{
			r.ID, r.PledgeID,
			formatTime(r.ProcessedAt), formatTime(r.EmailAt), formatTime(r.TransferDate),
			strconv.FormatInt(r.DeclaredAmount, 10),
			strconv.FormatInt(r.VerifiedAmount, 10),
			string(r.Confidence), r.StorageLink, r.Filename, string(r.Status),
		})
	}
	return csvPayload(receiptHeader, records)
}

var allocationHeader = []string{
	"id", "pledge_id", "beneficiary_id", "amount", "status", "batch_id",
	"created_at", "hostel_msg_id", "hostel_at", "donor_notify_msg_id",
	"donor_notify_at", "hostel_reply_msg_id", "hostel_reply_at",
	"donor_final_msg_id", "donor_final_at",
}

// ExportAllocations serialises the allocation table canonically.
func (s *Store) ExportAllocations(ctx context.Context) ([]byte, string, error) {
	var rows []Allocation
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, "", err
	}
	records := make([][]string, 0, len(rows))
	for _, a := range rows {
		records = append(records, []string{
			a.ID, a.PledgeID, a.BeneficiaryID,
			strconv.FormatInt(a.Amount, 10),
			string(a.Status), a.BatchID, formatTime(a.CreatedAt),
			a.HostelMsgID, formatTimePtr(a.HostelAt),
			a.DonorNotifyMsgID, formatTimePtr(a.DonorNotifyAt),
			a.HostelReplyMsgID, formatTimePtr(a.HostelReplyAt),
			a.DonorFinalMsgID, formatTimePtr(a.DonorFinalAt),
		})
	}
	return csvPayload(allocationHeader, records)
}

var auditHeader = []string{
	"id", "at", "actor", "kind", "target_id", "description",
	"prev_value", "new_value", "metadata",
}

// ExportAudit serialises the audit table canonically, oldest first.
func (s *Store) ExportAudit(ctx context.Context) ([]byte, string, error) {
	var rows []AuditEvent
	if err := s.db.WithContext(ctx).Order("at, id").Find(&rows).Error; err != nil {
		return nil, "", err
	}
	records := make([][]string, 0, len(rows))
	for _, e := range rows {
		records = append(records, []string{
			e.ID, formatTime(e.At), e.Actor, string(e.Kind), e.TargetID,
			e.Description, e.PrevValue, e.NewValue, e.Metadata,
		})
	}
	return csvPayload(auditHeader, records)
}
