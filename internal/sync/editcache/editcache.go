// Package editcache tracks which fields a session edited recently. A field
// stays "recently edited" for a fixed window after its last local edit and
// remote updates to it are ignored until the window closes. Expired entries
// are evicted on lookup and by a periodic sweep.
package editcache

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kimhsiao/rundown/internal/models"
)

// DefaultWindow is how long a field stays protected after a local edit.
const DefaultWindow = 2 * time.Second

// Entry is the edit session of one field.
type Entry struct {
	Key       models.FieldKey
	Value     string
	EditedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the window has closed at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Cache is a time-windowed set of recently edited field keys.
type Cache struct {
	mu      sync.Mutex
	clock   clock.Clock
	window  time.Duration
	entries map[models.FieldKey]Entry

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Cache. A non-positive window uses DefaultWindow.
func New(clk clock.Clock, window time.Duration) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Cache{
		clock:   clk,
		window:  window,
		entries: make(map[models.FieldKey]Entry),
	}
}

// Window returns the protection window.
func (c *Cache) Window() time.Duration {
	return c.window
}

// Mark records a local edit of key, restarting its window.
func (c *Cache) Mark(key models.FieldKey, value string) Entry {
	now := c.clock.Now()
	e := Entry{Key: key, Value: value, EditedAt: now, ExpiresAt: now.Add(c.window)}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return e
}

// Active returns the entry for key if its window is still open.
// Expired entries are evicted on lookup.
func (c *Cache) Active(key models.FieldKey) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	if e.Expired(c.clock.Now()) {
		delete(c.entries, key)
		return Entry{}, false
	}
	return e, true
}

// IsActive reports whether key was edited within the window.
func (c *Cache) IsActive(key models.FieldKey) bool {
	_, ok := c.Active(key)
	return ok
}

// Forget drops key regardless of its window.
func (c *Cache) Forget(key models.FieldKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Sweep evicts every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.entries {
		if e.Expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// StartSweeper evicts expired entries every interval until Stop. A
// non-positive interval uses the window.
func (c *Cache) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = c.window
	}

	c.mu.Lock()
	if c.stopCh != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.stopCh = stop
	c.mu.Unlock()

	ticker := c.clock.Ticker(interval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop ends the sweeper and waits for it to exit. It is safe to call more
// than once.
func (c *Cache) Stop() {
	c.mu.Lock()
	stop := c.stopCh
	c.stopCh = nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	c.wg.Wait()
}

// Len returns the number of entries, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
