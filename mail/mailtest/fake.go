// Package mailtest provides an in-memory Gateway for tests. Threads, labels
// and sends behave like the REST bridge, and every outbound message is
// recorded for assertions.
package mailtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"hostelfund/mail"
)

type fakeThread struct {
	id       string
	subject  string
	labels   map[string]bool
	messages []mail.Message
}

// Fake is a thread-safe in-memory mail gateway.
type Fake struct {
	mu      sync.Mutex
	threads map[string]*fakeThread
	drafts  map[string]mail.Draft
	labels  map[string]bool
	seq     int
	nowFn   func() time.Time

	// SendHook, when set, runs before any send and can veto it. Lets tests
	// exercise notify-failure paths.
	SendHook func(out mail.Outbound) error
	// Sent records every delivered outbound message, in order.
	Sent []mail.Message
}

// NewFake returns an empty gateway.
func NewFake() *Fake {
	return &Fake{
		threads: make(map[string]*fakeThread),
		drafts:  make(map[string]mail.Draft),
		labels:  make(map[string]bool),
		nowFn:   time.Now,
	}
}

// SetNowFunc overrides the clock used for delivered-message timestamps.
func (f *Fake) SetNowFunc(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nowFn = now
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

// Deliver seeds an inbound message into a new thread and returns the thread
// id. Labels are applied to the thread.
func (f *Fake) Deliver(subject string, labels []string, msg mail.Message) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread := &fakeThread{
		id:      f.nextID("thread"),
		subject: subject,
		labels:  make(map[string]bool),
	}
	for _, label := range labels {
		thread.labels[label] = true
		f.labels[label] = true
	}
	if msg.RFC822ID == "" {
		msg.RFC822ID = f.nextID("msg")
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = f.nowFn()
	}
	msg.ThreadID = thread.id
	if msg.Subject == "" {
		msg.Subject = subject
	}
	thread.messages = append(thread.messages, msg)
	f.threads[thread.id] = thread
	return thread.id
}

// DeliverReply appends an inbound message to the thread holding rfc822ID.
func (f *Fake) DeliverReply(rfc822ID string, msg mail.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread := f.threadByMsgID(rfc822ID)
	if thread == nil {
		return "", fmt.Errorf("mailtest: no thread holds message %s", rfc822ID)
	}
	if msg.RFC822ID == "" {
		msg.RFC822ID = f.nextID("msg")
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = f.nowFn()
	}
	msg.ThreadID = thread.id
	msg.InReplyTo = rfc822ID
	if msg.Subject == "" {
		msg.Subject = "Re: " + thread.subject
	}
	thread.messages = append(thread.messages, msg)
	return msg.RFC822ID, nil
}

func (f *Fake) threadByMsgID(rfc822ID string) *fakeThread {
	for _, thread := range f.threads {
		for _, msg := range thread.messages {
			if msg.RFC822ID == rfc822ID {
				return thread
			}
		}
	}
	return nil
}

// ThreadLabels returns a copy of a thread's labels, sorted.
func (f *Fake) ThreadLabels(threadID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.threads[threadID]
	if !ok {
		return nil
	}
	labels := make([]string, 0, len(thread.labels))
	for label := range thread.labels {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Search evaluates the query against every thread.
func (f *Fake) Search(_ context.Context, query string, limit int) ([]mail.Thread, error) {
	parsed, err := mail.ParseQuery(query)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.threads))
	for id := range f.threads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var results []mail.Thread
	for _, id := range ids {
		thread := f.threads[id]
		view := f.threadView(thread)
		if parsed.Matches(view, thread.messages) {
			results = append(results, view)
			if limit > 0 && len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

func (f *Fake) threadView(thread *fakeThread) mail.Thread {
	labels := make([]string, 0, len(thread.labels))
	for label := range thread.labels {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return mail.Thread{ID: thread.id, Subject: thread.subject, Labels: labels}
}

func (f *Fake) EnsureLabel(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[name] = true
	return nil
}

func (f *Fake) ApplyLabel(_ context.Context, threadID, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.threads[threadID]
	if !ok {
		return fmt.Errorf("mailtest: unknown thread %s", threadID)
	}
	f.labels[label] = true
	thread.labels[label] = true
	return nil
}

func (f *Fake) RemoveLabel(_ context.Context, threadID, label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.threads[threadID]
	if !ok {
		return fmt.Errorf("mailtest: unknown thread %s", threadID)
	}
	delete(thread.labels, label)
	return nil
}

func (f *Fake) FetchMessages(_ context.Context, threadID string) ([]mail.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	thread, ok := f.threads[threadID]
	if !ok {
		return nil, fmt.Errorf("mailtest: unknown thread %s", threadID)
	}
	out := make([]mail.Message, len(thread.messages))
	copy(out, thread.messages)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (f *Fake) CreateDraft(_ context.Context, out mail.Outbound) (mail.Draft, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	draft := mail.Draft{
		ID:       f.nextID("draft"),
		RFC822ID: f.nextID("msg"),
		Outbound: out,
	}
	f.drafts[draft.ID] = draft
	return draft, nil
}

func (f *Fake) SendDraft(ctx context.Context, draft mail.Draft) (mail.Message, error) {
	f.mu.Lock()
	stored, ok := f.drafts[draft.ID]
	f.mu.Unlock()
	if !ok {
		return mail.Message{}, fmt.Errorf("mailtest: unknown draft %s", draft.ID)
	}
	return f.deliverOutbound(stored.RFC822ID, stored.Outbound)
}

func (f *Fake) ReplyInThread(_ context.Context, rfc822ID string, out mail.Outbound) (mail.Message, error) {
	out.InReplyTo = rfc822ID
	return f.deliverOutbound("", out)
}

func (f *Fake) deliverOutbound(rfc822ID string, out mail.Outbound) (mail.Message, error) {
	if f.SendHook != nil {
		if err := f.SendHook(out); err != nil {
			return mail.Message{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if rfc822ID == "" {
		rfc822ID = f.nextID("msg")
	}
	msg := mail.Message{
		RFC822ID:    rfc822ID,
		To:          out.To,
		Cc:          out.Cc,
		Subject:     out.Subject,
		HTMLBody:    out.HTMLBody,
		InReplyTo:   out.InReplyTo,
		ReceivedAt:  f.nowFn(),
		Attachments: out.Attachments,
	}
	var thread *fakeThread
	if out.InReplyTo != "" {
		thread = f.threadByMsgID(out.InReplyTo)
	}
	if thread == nil {
		thread = &fakeThread{
			id:      f.nextID("thread"),
			subject: out.Subject,
			labels:  make(map[string]bool),
		}
		f.threads[thread.id] = thread
	}
	msg.ThreadID = thread.id
	thread.messages = append(thread.messages, msg)
	f.Sent = append(f.Sent, msg)
	return msg, nil
}

var _ mail.Gateway = (*Fake)(nil)
