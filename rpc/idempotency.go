package rpc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// ErrIdempotencyMismatch is returned when a key is reused with a different
// request body.
var ErrIdempotencyMismatch = errors.New("rpc: idempotency key reuse with different request body")

const idempotencyHeader = "Idempotency-Key"

// StoredResponse is a response recorded under an idempotency key.
type StoredResponse struct {
	Status int
	Body   []byte
}

type idempotencyKey struct {
	Subject        string `gorm:"primaryKey"`
	IdempotencyKey string `gorm:"primaryKey;column:idempotency_key"`
	RequestHash    string `gorm:"not null"`
	ResponseStatus int    `gorm:"not null"`
	ResponseBody   []byte `gorm:"not null"`
	CreatedAt      time.Time
}

func (idempotencyKey) TableName() string { return "idempotency_keys" }

// IdempotencyStore persists command responses so retried requests replay
// the original outcome instead of dispatching twice.
type IdempotencyStore struct {
	db *gorm.DB
}

// OpenIdempotencyStore opens (or creates) the sqlite database at path. It
// shares the pure-Go sqlite driver the archive uses.
func OpenIdempotencyStore(path string) (*IdempotencyStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	return NewIdempotencyStore(db)
}

// NewIdempotencyStore keeps idempotency keys in an already opened database.
func NewIdempotencyStore(db *gorm.DB) (*IdempotencyStore, error) {
	if err := db.AutoMigrate(&idempotencyKey{}); err != nil {
		return nil, err
	}
	return &IdempotencyStore{db: db}, nil
}

// Close releases the database.
func (s *IdempotencyStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Lookup returns the stored response for key. A stored entry whose request
// hash differs yields ErrIdempotencyMismatch.
func (s *IdempotencyStore) Lookup(ctx context.Context, subject, key, hash string) (*StoredResponse, error) {
	var row idempotencyKey
	err := s.db.WithContext(ctx).
		Where("subject = ? AND idempotency_key = ?", subject, key).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if row.RequestHash != hash {
		return nil, ErrIdempotencyMismatch
	}
	return &StoredResponse{Status: row.ResponseStatus, Body: row.ResponseBody}, nil
}

// Save records the response for key. The first writer wins.
func (s *IdempotencyStore) Save(ctx context.Context, subject, key, hash string, resp StoredResponse) error {
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	row := idempotencyKey{
		Subject:        subject,
		IdempotencyKey: key,
		RequestHash:    hash,
		ResponseStatus: resp.Status,
		ResponseBody:   body,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(p)
	return c.ResponseWriter.Write(p)
}

func (s *Server) idempotency(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
		if s.idem == nil || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, nil, codeInvalidRequest, "failed to read request body", err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		sum := sha256.Sum256(body)
		hash := hex.EncodeToString(sum[:])
		subject := subjectFrom(r)
		if subject == "" {
			subject = clientID(r)
		}

		stored, err := s.idem.Lookup(r.Context(), subject, key, hash)
		switch {
		case errors.Is(err, ErrIdempotencyMismatch):
			writeError(w, http.StatusConflict, nil, codeInvalidRequest, err.Error(), nil)
			return
		case err != nil:
			slog.Error("rpc: idempotency lookup failed", "error", err)
			writeError(w, http.StatusInternalServerError, nil, codeServerError, "idempotency store unavailable", nil)
			return
		case stored != nil:
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(stored.Status)
			_, _ = w.Write(stored.Body)
			return
		}

		capture := &captureWriter{ResponseWriter: w}
		next.ServeHTTP(capture, r)
		if capture.status == 0 || capture.status >= http.StatusInternalServerError {
			return
		}
		resp := StoredResponse{Status: capture.status, Body: capture.body.Bytes()}
		if err := s.idem.Save(r.Context(), subject, key, hash, resp); err != nil {
			slog.Error("rpc: idempotency save failed", "error", err)
		}
	})
}
