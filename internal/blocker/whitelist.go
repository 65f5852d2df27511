package blocker

import (
	"sync"
	"time"
)

// WhitelistEntry exempts one IP from blocking, optionally until Expiry.
type WhitelistEntry struct {
	IP          string    `json:"ip"`
	Description string    `json:"description,omitempty"`
	Expiry      time.Time `json:"expiry,omitempty"` // zero means permanent
}

// Whitelist is the set of IPs the blocker must refuse to block. Checked
// on every block request, so reads take a shared lock.
type Whitelist struct {
	mu      sync.RWMutex
	entries map[string]WhitelistEntry
}

// NewWhitelist builds a whitelist from permanent entries.
func NewWhitelist(ips []string) *Whitelist {
	w := &Whitelist{entries: make(map[string]WhitelistEntry)}
	for _, ip := range ips {
		w.entries[ip] = WhitelistEntry{IP: ip}
	}
	return w
}

// Add inserts or replaces an entry.
func (w *Whitelist) Add(entry WhitelistEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries[entry.IP] = entry
}

// Remove deletes an entry.
func (w *Whitelist) Remove(ip string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entries, ip)
}

// Contains reports whether ip is currently whitelisted. Expired entries
// do not count.
func (w *Whitelist) Contains(ip string) bool {
	w.mu.RLock()
	entry, ok := w.entries[ip]
	w.mu.RUnlock()
	if !ok {
		return false
	}
	if !entry.Expiry.IsZero() && time.Now().After(entry.Expiry) {
		return false
	}
	return true
}

// Len returns the number of entries, expired included.
func (w *Whitelist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}
