package intel

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"authguard/internal/config"
)

// LocalFeed is the static allow/deny IP set. It is always consulted,
// never rate limited, and re-checked without network I/O.
type LocalFeed struct {
	mu       sync.RWMutex
	deny     map[string]bool
	allow    map[string]bool
	cfg      config.LocalFeedConfig
	lastLoad time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// FeedVerdict is the local feed's opinion of an IP.
type FeedVerdict string

const (
	FeedDeny    FeedVerdict = "deny"
	FeedAllow   FeedVerdict = "allow"
	FeedUnknown FeedVerdict = "unknown"
)

// NewLocalFeed creates a feed and performs the initial load. Missing feed
// files are not an error; the feed starts empty.
func NewLocalFeed(cfg config.LocalFeedConfig) *LocalFeed {
	f := &LocalFeed{
		deny:  make(map[string]bool),
		allow: make(map[string]bool),
		cfg:   cfg,
		done:  make(chan struct{}),
	}
	f.Reload()
	return f
}

// Start begins the periodic refresh loop.
func (f *LocalFeed) Start(ctx context.Context) {
	if f.cfg.RefreshInterval <= 0 {
		return
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.cfg.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-f.done:
				return
			case <-ticker.C:
				f.Reload()
			}
		}
	}()
}

// Stop stops the refresh loop.
func (f *LocalFeed) Stop() {
	close(f.done)
	f.wg.Wait()
}

// Reload re-reads both feed files.
func (f *LocalFeed) Reload() {
	deny := loadIPSet(f.cfg.DenyFile)
	allow := loadIPSet(f.cfg.AllowFile)

	f.mu.Lock()
	if deny != nil {
		f.deny = deny
	}
	if allow != nil {
		f.allow = allow
	}
	f.lastLoad = time.Now()
	denyN, allowN := len(f.deny), len(f.allow)
	f.mu.Unlock()

	slog.Debug("local feed loaded", "deny", denyN, "allow", allowN)
}

// Check returns the feed verdict for an IP. Deny takes precedence when an
// IP appears in both sets.
func (f *LocalFeed) Check(ip string) FeedVerdict {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.deny[ip] {
		return FeedDeny
	}
	if f.allow[ip] {
		return FeedAllow
	}
	return FeedUnknown
}

// AddDeny adds an IP to the in-memory deny set.
func (f *LocalFeed) AddDeny(ip string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deny[ip] = true
}

// Counts returns the sizes of the deny and allow sets.
func (f *LocalFeed) Counts() (deny, allow int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.deny), len(f.allow)
}

// LastLoad returns the time of the most recent reload.
func (f *LocalFeed) LastLoad() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastLoad
}

// loadIPSet reads one IP per line, ignoring blanks and '#' comments.
// Returns nil when the file cannot be read so callers keep the last set.
func loadIPSet(path string) map[string]bool {
	if path == "" {
		return nil
	}

	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("failed to open feed file", "path", path, "error", err)
		}
		return nil
	}
	defer file.Close()

	set := make(map[string]bool)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = true
	}
	return set
}
