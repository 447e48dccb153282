// Package watchlist holds known-bad addresses that override model scoring.
// A watchlisted address is always reported as high risk regardless of what
// its transaction history looks like.
package watchlist

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Entry describes one flagged address.
type Entry struct {
	Address     string `json:"address"`
	Type        string `json:"type"` // e.g. "phishing", "scam", "mixer"
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Watchlist is an immutable lookup of flagged addresses, keyed by lowercase
// hex form.
type Watchlist struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// Default returns the built-in list of publicly documented scam addresses.
func Default() *Watchlist {
	w := &Watchlist{entries: make(map[string]Entry)}
	w.add(Entry{
		Address:     "0x8576acc5c05d6ce88f4e49bf65bdf0c62f91353c",
		Type:        "phishing",
		Severity:    "high",
		Description: "Known phishing campaign collector",
	})
	w.add(Entry{
		Address:     "0x901bb9583b24d97e995513c6778dc6888ab6870e",
		Type:        "scam",
		Severity:    "high",
		Description: "Reported exit scam treasury",
	})
	return w
}

// Load reads a JSON array of entries from path and merges it over the
// built-in defaults.
func Load(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read watchlist: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse watchlist: %w", err)
	}
	w := Default()
	for _, e := range entries {
		if e.Address == "" {
			return nil, fmt.Errorf("watchlist entry missing address")
		}
		w.add(e)
	}
	return w, nil
}

// Lookup returns the entry for address, if flagged. Address matching is
// case-insensitive.
func (w *Watchlist) Lookup(address string) (Entry, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entries[strings.ToLower(address)]
	return e, ok
}

// Len returns the number of flagged addresses.
func (w *Watchlist) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.entries)
}

func (w *Watchlist) add(e Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e.Address = strings.ToLower(e.Address)
	w.entries[e.Address] = e
}
