// Package audit is the append-only event log. Every entry carries a SHA-256
// digest of its RFC 8785 canonical JSON form chained to the previous entry,
// so truncation or edits are detectable with Verify.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/ent0n29/vigil/internal/policy"
)

type Kind string

const (
	KindSessionCreated    Kind = "session_created"
	KindSessionEnded      Kind = "session_ended"
	KindEmergencyDetected Kind = "emergency_detected"
	KindNotification      Kind = "notification"
	KindAudioPurged       Kind = "audio_purged"
	KindTranscriptPurged  Kind = "transcript_purged"
	KindRecordDeleted     Kind = "record_deleted"
	KindForceEnded        Kind = "force_ended"
)

var ErrChainBroken = errors.New("audit chain broken")

type Entry struct {
	Seq        int64          `json:"seq"`
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	SessionID  string         `json:"session_id,omitempty"`
	At         time.Time      `json:"at"`
	Data       map[string]any `json:"data,omitempty"`
	PrevDigest string         `json:"prev_digest,omitempty"`
	Digest     string         `json:"digest,omitempty"`
}

// Log appends entries. Implementations serialize appends so the chain is
// linear.
type Log interface {
	Append(ctx context.Context, kind Kind, sessionID string, data map[string]any) (Entry, error)
	Close() error
}

// Digest returns the canonical digest of e with its own Digest field
// excluded.
func Digest(e Entry) (string, error) {
	e.Digest = ""
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks digests and links across consecutive entries.
func Verify(entries []Entry) error {
	prev := ""
	for i, e := range entries {
		if i > 0 && e.Seq != entries[i-1].Seq+1 {
			return fmt.Errorf("%w: seq %d follows %d", ErrChainBroken, e.Seq, entries[i-1].Seq)
		}
		if i > 0 && e.PrevDigest != prev {
			return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, e.Seq)
		}
		want, err := Digest(e)
		if err != nil {
			return err
		}
		if e.Digest != want {
			return fmt.Errorf("%w: entry %d digest mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.Digest
	}
	return nil
}

// chain holds the tip of the log and seals new entries onto it.
type chain struct {
	mu  sync.Mutex
	seq int64
	tip string
	now func() time.Time
}

func (c *chain) seal(kind Kind, sessionID string, data map[string]any) (Entry, error) {
	e := Entry{
		Seq:        c.seq + 1,
		ID:         uuid.NewString(),
		Kind:       kind,
		SessionID:  sessionID,
		At:         c.now().UTC(),
		Data:       redact(data),
		PrevDigest: c.tip,
	}
	d, err := Digest(e)
	if err != nil {
		return Entry{}, err
	}
	e.Digest = d
	return e, nil
}

func (c *chain) advance(e Entry) {
	c.seq = e.Seq
	c.tip = e.Digest
}

// redact masks PII in string values before they reach the log.
func redact(data map[string]any) map[string]any {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch val := v.(type) {
		case string:
			out[k], _ = policy.RedactPII(val)
		case []string:
			masked := make([]string, len(val))
			for i, s := range val {
				masked[i], _ = policy.RedactPII(s)
			}
			out[k] = masked
		default:
			out[k] = v
		}
	}
	return out
}

// MemoryLog keeps the most recent entries in process.
type MemoryLog struct {
	chain
	limit   int
	entries []Entry
}

// NewMemoryLog keeps at most limit entries; zero means unbounded.
func NewMemoryLog(limit int) *MemoryLog {
	return &MemoryLog{chain: chain{now: time.Now}, limit: limit}
}

func (l *MemoryLog) Append(_ context.Context, kind Kind, sessionID string, data map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, err := l.seal(kind, sessionID, data)
	if err != nil {
		return Entry{}, err
	}
	l.advance(e)
	l.entries = append(l.entries, e)
	if l.limit > 0 && len(l.entries) > l.limit {
		l.entries = append([]Entry(nil), l.entries[len(l.entries)-l.limit:]...)
	}
	return e, nil
}

// Entries returns a copy of the retained entries.
func (l *MemoryLog) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func (l *MemoryLog) Close() error { return nil }
