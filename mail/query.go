package mail

import (
	"fmt"
	"strings"
	"time"
)

// Query models the subset of the mail search language the engine relies on:
// label filters, subject substrings, RFC-822 message-id lookup and a recency
// window. String() renders the canonical form understood by the gateway and
// by the in-memory fake.
type Query struct {
	Label       string
	NotLabels   []string
	SubjectHas  string
	RFC822MsgID string
	After       time.Time
}

// String renders the query in the gateway search syntax.
func (q Query) String() string {
	var parts []string
	if q.Label != "" {
		parts = append(parts, "label:"+q.Label)
	}
	for _, label := range q.NotLabels {
		parts = append(parts, "-label:"+label)
	}
	if q.SubjectHas != "" {
		parts = append(parts, fmt.Sprintf("subject:%q", q.SubjectHas))
	}
	if q.RFC822MsgID != "" {
		parts = append(parts, "rfc822msgid:<"+strings.Trim(q.RFC822MsgID, "<>")+">")
	}
	if !q.After.IsZero() {
		parts = append(parts, "after:"+q.After.UTC().Format("2006/01/02"))
	}
	return strings.Join(parts, " ")
}

// ParseQuery reverses String. The in-memory fake and tests rely on it; the
// REST adapter passes the rendered string through verbatim.
func ParseQuery(raw string) (Query, error) {
	q := Query{}
	tokens, err := splitTokens(raw)
	if err != nil {
		return Query{}, err
	}
	for _, token := range tokens {
		switch {
		case strings.HasPrefix(token, "-label:"):
			q.NotLabels = append(q.NotLabels, strings.TrimPrefix(token, "-label:"))
		case strings.HasPrefix(token, "label:"):
			q.Label = strings.TrimPrefix(token, "label:")
		case strings.HasPrefix(token, "subject:"):
			value := strings.TrimPrefix(token, "subject:")
			q.SubjectHas = strings.Trim(value, `"`)
		case strings.HasPrefix(token, "rfc822msgid:"):
			q.RFC822MsgID = strings.Trim(strings.TrimPrefix(token, "rfc822msgid:"), "<>")
		case strings.HasPrefix(token, "after:"):
			parsed, err := time.Parse("2006/01/02", strings.TrimPrefix(token, "after:"))
			if err != nil {
				return Query{}, fmt.Errorf("parse after date: %w", err)
			}
			q.After = parsed
		default:
			return Query{}, fmt.Errorf("unsupported query token: %s", token)
		}
	}
	return q, nil
}

// splitTokens splits on spaces while keeping quoted values intact.
func splitTokens(raw string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	quoted := false
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r == '"':
			quoted = !quoted
			current.WriteRune(r)
		case r == ' ' && !quoted:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if quoted {
		return nil, fmt.Errorf("unterminated quote in query: %s", raw)
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}

// Matches evaluates the query against a thread and its messages. Used by the
// in-memory fake; vendor adapters evaluate server-side.
func (q Query) Matches(thread Thread, messages []Message) bool {
	if q.Label != "" && !hasLabel(thread.Labels, q.Label) {
		return false
	}
	for _, excluded := range q.NotLabels {
		if hasLabel(thread.Labels, excluded) {
			return false
		}
	}
	if q.SubjectHas != "" && !strings.Contains(strings.ToLower(thread.Subject), strings.ToLower(q.SubjectHas)) {
		return false
	}
	if q.RFC822MsgID != "" {
		found := false
		for _, msg := range messages {
			if strings.Trim(msg.RFC822ID, "<>") == q.RFC822MsgID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !q.After.IsZero() {
		recent := false
		for _, msg := range messages {
			if msg.ReceivedAt.After(q.After) {
				recent = true
				break
			}
		}
		if !recent {
			return false
		}
	}
	return true
}

func hasLabel(labels []string, want string) bool {
	for _, label := range labels {
		if label == want {
			return true
		}
	}
	return false
}
