package mail

import (
	"testing"
	"time"
)

func TestQueryRoundTrip(t *testing.T) {
	original := Query{
		Label:       LabelToProcess,
		NotLabels:   []string{LabelWatchdogProcessed},
		SubjectHas:  "Ref: PLEDGE-2026-14",
		RFC822MsgID: "abc@mail.example.com",
		After:       time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
	rendered := original.String()
	parsed, err := ParseQuery(rendered)
	if err != nil {
		t.Fatalf("parse %q: %v", rendered, err)
	}
	if parsed.Label != original.Label {
		t.Errorf("label = %q, want %q", parsed.Label, original.Label)
	}
	if len(parsed.NotLabels) != 1 || parsed.NotLabels[0] != LabelWatchdogProcessed {
		t.Errorf("not-labels = %v", parsed.NotLabels)
	}
	if parsed.SubjectHas != original.SubjectHas {
		t.Errorf("subject = %q, want %q", parsed.SubjectHas, original.SubjectHas)
	}
	if parsed.RFC822MsgID != original.RFC822MsgID {
		t.Errorf("rfc822msgid = %q, want %q", parsed.RFC822MsgID, original.RFC822MsgID)
	}
	if !parsed.After.Equal(original.After) {
		t.Errorf("after = %v, want %v", parsed.After, original.After)
	}
}

func TestParseQueryRejectsUnknownToken(t *testing.T) {
	if _, err := ParseQuery("from:donor@example.com"); err == nil {
		t.Fatal("expected error for unsupported token")
	}
}

func TestMatchesExcludedLabel(t *testing.T) {
	q := Query{SubjectHas: "ref:", NotLabels: []string{LabelWatchdogProcessed}}
	thread := Thread{
		ID:      "t1",
		Subject: "Ref: PLEDGE-2026-3",
		Labels:  []string{LabelWatchdogProcessed},
	}
	if q.Matches(thread, nil) {
		t.Fatal("thread with excluded label must not match")
	}
}

func TestMatchesMessageID(t *testing.T) {
	q := Query{RFC822MsgID: "id-1@example.com"}
	thread := Thread{ID: "t1", Subject: "Receipt"}
	msgs := []Message{{RFC822ID: "<id-1@example.com>"}}
	if !q.Matches(thread, msgs) {
		t.Fatal("angle brackets must not affect message-id matching")
	}
}
