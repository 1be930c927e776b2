package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cropstack/settlement/internal/audit"
	"github.com/cropstack/settlement/internal/logging"
	"github.com/cropstack/settlement/internal/metrics"
)

// MaxKeyLength bounds the client-supplied key.
const MaxKeyLength = 200

// captureWriter tees the response body so it can be stored.
type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Middleware deduplicates POST requests that carry an Idempotency-Key.
// Keys are scoped to the calling actor and the route, so two parties (or
// two endpoints) never collide on the same key. It must run after the
// actor has been placed on the request context.
func Middleware(store Store, ttl time.Duration) gin.HandlerFunc {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return func(c *gin.Context) {
		clientKey := c.GetHeader(Header)
		if c.Request.Method != http.MethodPost || clientKey == "" {
			c.Next()
			return
		}
		if len(clientKey) > MaxKeyLength {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "Idempotency-Key is too long",
			})
			return
		}

		ctx := c.Request.Context()
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Could not read request body",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		actor := audit.ActorFrom(ctx)
		key := scopedKey(actor.ID, c.Request.Method, c.FullPath(), clientKey)
		fp := fingerprint(c.Request.URL.Path, body)

		existing, err := store.Reserve(ctx, key, &Record{
			State:       StatePending,
			Fingerprint: fp,
			CreatedAt:   time.Now().UTC(),
		}, ttl)
		if err != nil {
			logging.L(ctx).Error("idempotency reserve failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "idempotency_unavailable",
				"message": "Could not record the Idempotency-Key; retry later",
			})
			return
		}
		if existing != nil {
			replay(c, existing, fp)
			return
		}

		// Let the client retry a request that failed on our side.
		release := func() {
			if err := store.Release(ctx, key); err != nil {
				logging.L(ctx).Warn("idempotency release failed", "error", err)
			}
		}
		// A panicking handler unwinds past us to the recovery middleware,
		// which answers 500; the key must not stay pending until it expires.
		defer func() {
			if p := recover(); p != nil {
				release()
				panic(p)
			}
		}()

		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		if status >= http.StatusInternalServerError {
			release()
			return
		}
		rec := &Record{
			State:       StateDone,
			Fingerprint: fp,
			Status:      status,
			ContentType: w.Header().Get("Content-Type"),
			Body:        w.buf.Bytes(),
			CreatedAt:   time.Now().UTC(),
		}
		if err := store.Complete(ctx, key, rec, ttl); err != nil {
			logging.L(ctx).Warn("idempotency complete failed", "error", err)
		}
	}
}

func replay(c *gin.Context, rec *Record, fp string) {
	switch {
	case rec.Fingerprint != fp:
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "idempotency_key_reused",
			"message": "Idempotency-Key was already used with a different request",
		})
	case rec.State == StatePending:
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{
			"error":   "request_in_progress",
			"message": "A request with this Idempotency-Key is still being processed",
		})
	default:
		metrics.IdempotentReplaysTotal.Inc()
		c.Header(ReplayedHeader, "true")
		contentType := rec.ContentType
		if contentType == "" {
			contentType = "application/json; charset=utf-8"
		}
		c.Data(rec.Status, contentType, rec.Body)
		c.Abort()
	}
}

func scopedKey(actorID, method, route, clientKey string) string {
	h := sha256.Sum256([]byte(actorID + "\x00" + method + " " + route + "\x00" + clientKey))
	return hex.EncodeToString(h[:])
}

func fingerprint(path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
