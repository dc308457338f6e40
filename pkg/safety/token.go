package safety

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// TokenPrefix marks confirmation tokens so they are recognizable in shell
// history and audit trails without revealing anything.
const TokenPrefix = "PHX-"

// DefaultTokenTTL bounds how long a minted token stays usable.
const DefaultTokenTTL = 15 * time.Minute

// Minted is returned once at mint time; the registry keeps only a digest.
type Minted struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	DiskID    string    `json:"disk_id"`
	Op        string    `json:"op"`
	ExpiresAt time.Time `json:"expires_at"`
}

type issuedToken struct {
	id        string
	digest    [sha256.Size]byte
	diskID    string
	op        string
	expiresAt time.Time
	consumed  bool
}

// TokenRegistry issues single-use confirmation tokens bound to one disk and
// one operation kind. Token values are never stored; consumption compares
// SHA-256 digests in constant time.
type TokenRegistry struct {
	mu     sync.Mutex
	tokens map[string]*issuedToken
	log    zerolog.Logger
	audit  *AuditLog
	now    func() time.Time
}

func NewTokenRegistry(log zerolog.Logger, audit *AuditLog) *TokenRegistry {
	return &TokenRegistry{
		tokens: make(map[string]*issuedToken),
		log:    log.With().Str("component", "tokens").Logger(),
		audit:  audit,
		now:    time.Now,
	}
}

// Mint creates a token for the (diskID, op) pair. ttl<=0 uses the default.
func (r *TokenRegistry) Mint(diskID, op string, ttl time.Duration) (Minted, error) {
	if diskID == "" || op == "" {
		return Minted{}, fmt.Errorf("token mint: disk id and op are required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return Minted{}, fmt.Errorf("token mint: %w", err)
	}
	value := TokenPrefix + hex.EncodeToString(raw)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	it := &issuedToken{
		id:        uuid.NewString(),
		digest:    sha256.Sum256([]byte(value)),
		diskID:    diskID,
		op:        op,
		expiresAt: r.now().Add(ttl),
	}
	r.tokens[it.id] = it
	r.audit.Record(Event{Kind: "token.mint", Op: op, DiskID: diskID, TokenID: it.id, Outcome: "ok"})
	return Minted{ID: it.id, Token: value, DiskID: diskID, Op: op, ExpiresAt: it.expiresAt}, nil
}

// consume finds the token by digest and burns it. The scan always walks the
// whole map so a miss costs the same as a hit.
func (r *TokenRegistry) consume(value, diskID, op string) (string, error) {
	digest := sha256.Sum256([]byte(value))

	r.mu.Lock()
	defer r.mu.Unlock()
	var match *issuedToken
	for _, it := range r.tokens {
		if subtle.ConstantTimeCompare(digest[:], it.digest[:]) == 1 {
			match = it
		}
	}
	switch {
	case match == nil:
		r.audit.Record(Event{Kind: "token.consume", Op: op, DiskID: diskID, Outcome: "denied", Detail: "unknown token"})
		return "", ErrMissingConfirmationToken
	case match.consumed:
		r.audit.Record(Event{Kind: "token.consume", Op: op, DiskID: diskID, TokenID: match.id, Outcome: "denied", Detail: "token already consumed"})
		return match.id, ErrTokenConsumed
	case r.now().After(match.expiresAt):
		r.audit.Record(Event{Kind: "token.consume", Op: op, DiskID: diskID, TokenID: match.id, Outcome: "denied", Detail: "token expired"})
		return match.id, ErrTokenExpired
	case match.diskID != diskID || match.op != op:
		r.audit.Record(Event{Kind: "token.consume", Op: op, DiskID: diskID, TokenID: match.id, Outcome: "denied", Detail: "token bound to different target"})
		return match.id, ErrMissingConfirmationToken
	}
	match.consumed = true
	r.audit.Record(Event{Kind: "token.consume", Op: op, DiskID: diskID, TokenID: match.id, Outcome: "ok"})
	return match.id, nil
}

// pruneLocked drops long-expired tokens. Consumed tokens are kept until
// then so a replay is reported as a replay, not as an unknown token.
func (r *TokenRegistry) pruneLocked() {
	cutoff := r.now().Add(-time.Hour)
	for id, it := range r.tokens {
		if it.expiresAt.Before(cutoff) {
			delete(r.tokens, id)
		}
	}
}
