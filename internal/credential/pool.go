// Package credential manages the pool of upstream bearer tokens: failure-aware
// round-robin selection, amnesty, and health-preserving reloads.
package credential

import (
	"strings"
	"sync"
	"time"

	log "github.com/zrelay/zrelay/internal/logging"
)

// Source supplies the ordered token list, typically from a file merged with
// configured backup tokens.
type Source interface {
	Load() ([]string, error)
}

// SourceFunc adapts a function to the Source interface.
type SourceFunc func() ([]string, error)

// Load implements Source.
func (f SourceFunc) Load() ([]string, error) { return f() }

// Credential is one pool entry with its health counters.
type Credential struct {
	Token       string
	Failures    int
	Active      bool
	LastFailure time.Time
	LastUsed    time.Time
}

// Pool is a failure-aware round-robin over credentials. All state lives under
// one mutex; callers receive token values and report outcomes by value, so no
// entry escapes the lock.
type Pool struct {
	mu             sync.Mutex
	source         Source
	creds          []*Credential
	cursor         int
	lastReload     time.Time
	maxFailures    int
	reloadInterval time.Duration
}

// NewPool builds a pool over source and performs the initial load. A load
// error leaves the pool empty but usable; a later reload can recover it.
func NewPool(source Source, maxFailures int, reloadInterval time.Duration) *Pool {
	p := &Pool{
		source:         source,
		maxFailures:    maxFailures,
		reloadInterval: reloadInterval,
	}
	if err := p.Reload(); err != nil {
		log.Warnf("credential pool: initial load failed: %v", err)
	}
	return p
}

// Next returns the next active token, advancing the cursor past it. When no
// credential is active it grants amnesty (reactivates everything, zeroes
// failure counts) and retries once. ok is false only for an empty pool.
func (p *Pool) Next() (token string, ok bool) {
	p.maybeReload()

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.creds) == 0 {
		return "", false
	}

	idx := p.nextActiveLocked()
	if idx < 0 {
		log.Warnf("credential pool: no active credentials, granting amnesty to %d entries", len(p.creds))
		for _, c := range p.creds {
			c.Active = true
			c.Failures = 0
		}
		idx = p.nextActiveLocked()
	}
	if idx < 0 {
		return "", false
	}

	c := p.creds[idx]
	c.LastUsed = time.Now()
	p.cursor = (idx + 1) % len(p.creds)
	return c.Token, true
}

// nextActiveLocked scans one full revolution starting at the cursor.
func (p *Pool) nextActiveLocked() int {
	n := len(p.creds)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		if p.creds[idx].Active {
			return idx
		}
	}
	return -1
}

// ReportSuccess zeroes the failure count and reactivates the credential.
// Unknown tokens (e.g. anonymous guest tokens) are ignored.
func (p *Pool) ReportSuccess(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c := p.findLocked(token); c != nil {
		c.Failures = 0
		c.Active = true
	}
}

// ReportFailure increments the failure count and deactivates the credential
// once it crosses the threshold.
func (p *Pool) ReportFailure(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.findLocked(token)
	if c == nil {
		return
	}
	c.Failures++
	c.LastFailure = time.Now()
	if c.Failures >= p.maxFailures && c.Active {
		c.Active = false
		log.Warnf("credential pool: deactivated credential %s after %d failures",
			preview(c.Token), c.Failures)
	}
}

func (p *Pool) findLocked(token string) *Credential {
	for _, c := range p.creds {
		if c.Token == token {
			return c
		}
	}
	return nil
}

// maybeReload reloads from the source when the reload interval has elapsed.
func (p *Pool) maybeReload() {
	p.mu.Lock()
	due := time.Since(p.lastReload) >= p.reloadInterval
	p.mu.Unlock()
	if due {
		if err := p.Reload(); err != nil {
			log.Warnf("credential pool: reload failed: %v", err)
		}
	}
}

// Reload re-reads the source and rebuilds the pool in source order. Entries
// whose token value survives keep their health counters; new tokens start
// active with zero failures. The cursor is clamped into the new bounds.
func (p *Pool) Reload() error {
	tokens, err := p.source.Load()
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	prev := make(map[string]*Credential, len(p.creds))
	for _, c := range p.creds {
		prev[c.Token] = c
	}

	next := make([]*Credential, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		if old := prev[tok]; old != nil {
			next = append(next, old)
		} else {
			next = append(next, &Credential{Token: tok, Active: true})
		}
	}

	p.creds = next
	if len(p.creds) == 0 {
		p.cursor = 0
	} else if p.cursor >= len(p.creds) {
		p.cursor = 0
	}
	p.lastReload = time.Now()
	log.Debugf("credential pool: loaded %d credentials", len(p.creds))
	return nil
}

// ResetAll reactivates every credential and zeroes all failure counts.
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.creds {
		c.Active = true
		c.Failures = 0
	}
}

// Size returns the current number of pooled credentials.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// Stats is a point-in-time snapshot of pool health.
type Stats struct {
	Total       int              `json:"total"`
	Active      int              `json:"active"`
	Inactive    int              `json:"inactive"`
	Cursor      int              `json:"cursor"`
	LastReload  time.Time        `json:"last_reload"`
	Credentials []CredentialStat `json:"credentials"`
}

// CredentialStat is one redacted pool entry in a Stats snapshot.
type CredentialStat struct {
	Index       int        `json:"index"`
	Token       string     `json:"token"`
	Active      bool       `json:"active"`
	Failures    int        `json:"failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
}

// Snapshot returns redacted pool statistics for the admin surface.
func (p *Pool) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Total:       len(p.creds),
		Cursor:      p.cursor,
		LastReload:  p.lastReload,
		Credentials: make([]CredentialStat, 0, len(p.creds)),
	}
	for i, c := range p.creds {
		if c.Active {
			s.Active++
		} else {
			s.Inactive++
		}
		stat := CredentialStat{
			Index:    i,
			Token:    preview(c.Token),
			Active:   c.Active,
			Failures: c.Failures,
		}
		if !c.LastFailure.IsZero() {
			t := c.LastFailure
			stat.LastFailure = &t
		}
		if !c.LastUsed.IsZero() {
			t := c.LastUsed
			stat.LastUsed = &t
		}
		s.Credentials = append(s.Credentials, stat)
	}
	return s
}

// preview redacts a token down to a recognizable prefix.
func preview(token string) string {
	if len(token) <= 12 {
		return token
	}
	return token[:12] + "..."
}
