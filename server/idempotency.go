package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IdempotencyKey stores the first response observed for a given key so
// retried submissions replay it instead of allocating twice. RequestHash
// pins the key to one payload: a reused key with a different body is a
// client bug, not a retry.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey"`
	RequestID   string
	Method      string
	Path        string
	RequestHash string
	Status      int
	Response    string
	CreatedAt   time.Time
}

// WithIdempotency replays the recorded response for a repeated
// Idempotency-Key header and records first-time responses. A repeated key
// whose request body differs from the recorded one is rejected with 409.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" || r.Method == http.MethodGet {
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable request body")
			return
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(body))
		sum := sha256.Sum256(body)
		requestHash := hex.EncodeToString(sum[:])

		var record IdempotencyKey
		if err := db.First(&record, "key = ?", key).Error; err == nil {
			if record.RequestHash != requestHash {
				writeError(w, http.StatusConflict, "IDEMPOTENCY_MISMATCH",
					"idempotency key was already used with a different payload")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(record.Status)
			_, _ = io.WriteString(w, record.Response)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		payload := IdempotencyKey{
			Key:         key,
			RequestID:   uuid.NewString(),
			Method:      r.Method,
			Path:        r.URL.Path,
			RequestHash: requestHash,
			Status:      recorder.status,
			Response:    recorder.buf,
			CreatedAt:   time.Now(),
		}
		if payload.Status == 0 {
			payload.Status = http.StatusOK
		}
		_ = db.Create(&payload).Error
	})
}

type responseRecorder struct {
	http.ResponseWriter
	buf    string
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf += string(b)
	return rr.ResponseWriter.Write(b)
}
