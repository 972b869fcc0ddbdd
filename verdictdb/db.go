// Package verdictdb stores evaluated authenticity verdicts of messages, for
// later display.
package verdictdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/exp/slog"

	"github.com/mjl-/bstore"

	"github.com/authverdict/authverdict/authres"
	"github.com/authverdict/authverdict/mlog"
)

var timeNow = time.Now // Tests override this.

// Verdict is the stored result of evaluating a message for a tenant and user.
type Verdict struct {
	ID        string    // ULID, ordered by time of insertion.
	Tenant    string    `bstore:"nonzero,index Tenant+User+Time"`
	User      string    `bstore:"nonzero"`
	MessageID string    // Canonical Message-ID, see message.MessageIDCanonical. Can be empty.
	Time      time.Time `bstore:"default now,index"`

	Status      authres.Status `bstore:"nonzero"`
	FromDomain  string         `bstore:"index FromDomain+Time"`
	FromAddress string
	Mechanisms  []authres.MechanismResult
	Unknown     []authres.UnknownMechanismResult
}

// NewVerdict returns a verdict for storing, from an evaluation result.
func NewVerdict(p authres.Principal, messageID string, r authres.OverallResult) Verdict {
	return Verdict{
		Tenant:      p.Tenant,
		User:        p.User,
		MessageID:   messageID,
		Status:      r.Status,
		FromDomain:  r.FromDomain,
		FromAddress: r.FromAddress,
		Mechanisms:  r.Mechanisms,
		Unknown:     r.Unknown,
	}
}

// Result returns the verdict as evaluation result.
func (v Verdict) Result() authres.OverallResult {
	return authres.OverallResult{
		Status:      v.Status,
		FromDomain:  v.FromDomain,
		FromAddress: v.FromAddress,
		Mechanisms:  v.Mechanisms,
		Unknown:     v.Unknown,
	}
}

// ErrNotFound is returned when a verdict does not exist.
var ErrNotFound = errors.New("verdictdb: verdict not found")

var DBTypes = []any{Verdict{}} // Types stored in DB.

// DB holds stored verdicts.
type DB struct {
	db  *bstore.DB
	log mlog.Log
}

// Open opens the database at path, creating it and its directory if needed.
func Open(ctx context.Context, path string) (*DB, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	db, err := bstore.Open(ctx, path, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open verdict database: %w", err)
	}
	return &DB{db, mlog.New("verdictdb", nil)}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Add stores a new verdict, setting its ID and, if zero, its time.
func (d *DB) Add(ctx context.Context, v *Verdict) error {
	if v.Time.IsZero() {
		v.Time = timeNow()
	}
	v.ID = ulid.MustNew(ulid.Timestamp(v.Time), ulid.DefaultEntropy()).String()
	if err := d.db.Insert(ctx, v); err != nil {
		return fmt.Errorf("insert verdict: %w", err)
	}
	d.log.Debug("verdict stored",
		slog.String("id", v.ID),
		slog.String("tenant", v.Tenant),
		slog.String("user", v.User),
		slog.Any("status", v.Status))
	return nil
}

// Filter selects verdicts to list. Empty fields match all.
type Filter struct {
	Tenant     string
	User       string
	FromDomain string
	Status     authres.Status
	Since      time.Time // If non-zero, only verdicts at or after this time.
}

// List returns matching verdicts, newest first. If limit > 0, at most limit
// verdicts are returned.
func (d *DB) List(ctx context.Context, f Filter, limit int) ([]Verdict, error) {
	q := bstore.QueryDB[Verdict](ctx, d.db)
	if f.Tenant != "" || f.User != "" || f.FromDomain != "" || f.Status != "" {
		q.FilterNonzero(Verdict{Tenant: f.Tenant, User: f.User, FromDomain: f.FromDomain, Status: f.Status})
	}
	if !f.Since.IsZero() {
		q.FilterGreaterEqual("Time", f.Since)
	}
	q.SortDesc("Time", "ID")
	if limit > 0 {
		q.Limit(limit)
	}
	l, err := q.List()
	if err != nil {
		return nil, fmt.Errorf("list verdicts: %w", err)
	}
	return l, nil
}

// Get returns a verdict by ID.
func (d *DB) Get(ctx context.Context, id string) (Verdict, error) {
	v := Verdict{ID: id}
	err := d.db.Get(ctx, &v)
	if err == bstore.ErrAbsent {
		return Verdict{}, ErrNotFound
	} else if err != nil {
		return Verdict{}, fmt.Errorf("get verdict: %w", err)
	}
	return v, nil
}

// Remove deletes a verdict by ID.
func (d *DB) Remove(ctx context.Context, id string) error {
	err := d.db.Delete(ctx, &Verdict{ID: id})
	if err == bstore.ErrAbsent {
		return ErrNotFound
	} else if err != nil {
		return fmt.Errorf("remove verdict: %w", err)
	}
	return nil
}

// RemoveBefore deletes verdicts older than t, returning the number removed.
func (d *DB) RemoveBefore(ctx context.Context, t time.Time) (int, error) {
	q := bstore.QueryDB[Verdict](ctx, d.db)
	q.FilterLess("Time", t)
	n, err := q.Delete()
	if err != nil {
		return 0, fmt.Errorf("remove old verdicts: %w", err)
	}
	return n, nil
}
