// Package redundancy spreads segment fetches over the origin and its mirrors.
package redundancy

import (
	"log"
	"math/rand"
	"net/url"
	"strings"
	"sync"
)

// Resolver picks among the canonical origin and N mirror base URLs.
// Demoted mirrors never come back for the lifetime of the Resolver.
type Resolver struct {
	mu        sync.Mutex
	bases     []string
	rnd       *rand.Rand
	successes map[string]int
}

// New copies baseURLs; rnd may be nil.
func New(baseURLs []string, rnd *rand.Rand) *Resolver {
	bases := make([]string, 0, len(baseURLs))
	for _, b := range baseURLs {
		if b = strings.TrimSpace(b); b != "" {
			bases = append(bases, b)
		}
	}
	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Resolver{bases: bases, rnd: rnd, successes: make(map[string]int)}
}

// PickURL returns canonical or the same file rewritten onto one of the mirrors,
// each of the N+1 options being equally likely.
func (r *Resolver) PickURL(canonical string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.bases) == 0 {
		return canonical
	}
	i := r.rnd.Intn(len(r.bases) + 1)
	if i == len(r.bases) {
		return canonical
	}
	return joinBase(r.bases[i], fileName(canonical))
}

// Demote removes every mirror whose base matches the base of failedURL.
func (r *Resolver) Demote(failedURL string) {
	base := BaseOf(failedURL)
	if base == "" {
		return
	}
	alt := strings.TrimSuffix(base, "/")
	if alt == base {
		alt = base + "/"
	}

	r.mu.Lock()
	kept := r.bases[:0]
	removed := 0
	for _, b := range r.bases {
		if b == base || b == alt {
			removed++
			continue
		}
		kept = append(kept, b)
	}
	r.bases = kept
	left := len(r.bases)
	r.mu.Unlock()

	if removed > 0 {
		log.Printf("[mirror] demoted %s (%d mirrors left)", base, left)
	}
}

// MarkSuccess records a good fetch against its base.
func (r *Resolver) MarkSuccess(u string) {
	base := BaseOf(u)
	r.mu.Lock()
	r.successes[base]++
	r.mu.Unlock()
}

func (r *Resolver) Successes(base string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes[base]
}

// Count returns the number of mirrors still in rotation.
func (r *Resolver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bases)
}

// Mirrors returns a copy of the live mirror set.
func (r *Resolver) Mirrors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.bases...)
}

// BaseOf strips the last path element, keeping the trailing slash.
// "https://m1/hls/v/seg-3.ts?x=1" -> "https://m1/hls/v/"
func BaseOf(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		u.RawQuery = ""
		u.Fragment = ""
		raw = u.String()
	} else if i := strings.IndexAny(raw, "?#"); i >= 0 {
		raw = raw[:i]
	}
	i := strings.LastIndex(raw, "/")
	if i < 0 {
		return ""
	}
	return raw[:i+1]
}

func fileName(raw string) string {
	if u, err := url.Parse(raw); err == nil {
		p := u.EscapedPath()
		if i := strings.LastIndex(p, "/"); i >= 0 {
			p = p[i+1:]
		}
		if u.RawQuery != "" {
			p += "?" + u.RawQuery
		}
		return p
	}
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		return raw[i+1:]
	}
	return raw
}

func joinBase(base, name string) string {
	if strings.HasSuffix(base, "/") {
		return base + name
	}
	return base + "/" + name
}
