// Package cache persists registry answers so a CNPJ is never fetched
// twice inside its freshness window. Entries are keyed by the
// normalized 14-digit CNPJ and carry everything needed to fill a
// result row without touching the network.
package cache

import (
	"context"
	"time"

	"github.com/manlek25/optantes/registry"
)

// Entry is one cached registry answer, positive or negative.
type Entry struct {
	CNPJ        string    `json:"cnpj"`
	LegalName   string    `json:"legal_name,omitempty"`
	Simples     string    `json:"simples,omitempty"`
	Simei       string    `json:"simei,omitempty"`
	ConsultedAt time.Time `json:"consulted_at,omitempty"`

	// NotFound marks a definitive "no such company" answer. Negative
	// entries consume the same freshness window as positive ones.
	NotFound bool `json:"not_found,omitempty"`

	FetchedAt time.Time `json:"fetched_at"`
}

// Fresh reports whether the entry is still usable under the given TTL.
func (e *Entry) Fresh(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.FetchedAt) < ttl
}

// Company converts a positive entry back to the registry payload.
func (e *Entry) Company() *registry.Company {
	return &registry.Company{
		CNPJ:        e.CNPJ,
		LegalName:   e.LegalName,
		Simples:     e.Simples,
		Simei:       e.Simei,
		ConsultedAt: e.ConsultedAt,
	}
}

// FromCompany builds a positive entry from a registry answer.
func FromCompany(c *registry.Company, fetchedAt time.Time) *Entry {
	return &Entry{
		CNPJ:        c.CNPJ,
		LegalName:   c.LegalName,
		Simples:     c.Simples,
		Simei:       c.Simei,
		ConsultedAt: c.ConsultedAt,
		FetchedAt:   fetchedAt,
	}
}

// NotFoundEntry builds a negative entry for a definitive miss.
func NotFoundEntry(cnpj string, fetchedAt time.Time) *Entry {
	return &Entry{CNPJ: cnpj, NotFound: true, FetchedAt: fetchedAt}
}

// Store is the cache backend contract. Get returns
// optantes.ErrCacheMiss for unknown keys; freshness is the caller's
// concern, a Store hands back whatever it has.
type Store interface {
	Get(ctx context.Context, cnpj string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error

	// Purge removes entries fetched before the cutoff and reports how
	// many were dropped.
	Purge(ctx context.Context, olderThan time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
