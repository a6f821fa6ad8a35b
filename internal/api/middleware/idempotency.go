package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	processingMarker = "PROCESSING"
	lockTTL          = 30 * time.Second
	// requestTimeout bounds the guarded handler so it ends while it still
	// holds the lock.
	requestTimeout = lockTTL - 5*time.Second
	resultTTL      = 24 * time.Hour
)

type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// recorder passes the response through while keeping a copy of it.
type recorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *recorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

// Idempotency replays the stored response of a successful request carrying
// the same Idempotency-Key. Failed requests are not stored, so the client
// may retry them. Redis errors let the request through.
func Idempotency(redisClient *redis.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Only apply to state-changing methods
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodPatch {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			idemKey := fmt.Sprintf("idempotency:%s:%s", r.URL.Path, key)
			ctx := r.Context()

			val, err := redisClient.Get(ctx, idemKey).Result()
			switch {
			case err == nil && val == processingMarker:
				writeConflict(w, "concurrent request")
				return
			case err == nil:
				var stored storedResponse
				if jerr := json.Unmarshal([]byte(val), &stored); jerr != nil {
					writeConflict(w, "request already processed")
					return
				}
				w.Header().Set("X-Idempotency-Hit", "true")
				if stored.ContentType != "" {
					w.Header().Set("Content-Type", stored.ContentType)
				}
				w.WriteHeader(stored.Status)
				w.Write(stored.Body)
				return
			case !errors.Is(err, redis.Nil):
				next.ServeHTTP(w, r)
				return
			}

			acquired, err := redisClient.SetNX(ctx, idemKey, processingMarker, lockTTL).Result()
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !acquired {
				writeConflict(w, "concurrent request")
				return
			}

			reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			rec := &recorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(reqCtx))
			cancel()

			if rec.status < 200 || rec.status >= 300 {
				redisClient.Del(ctx, idemKey)
				return
			}
			data, err := json.Marshal(storedResponse{
				Status:      rec.status,
				ContentType: w.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				redisClient.Del(ctx, idemKey)
				return
			}
			redisClient.Set(ctx, idemKey, data, resultTTL)
		})
	}
}

func writeConflict(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
