package integrate

import "sync"

// localSite is the lock key of integrations of this node's own pulls.
const localSite int64 = 0

// SiteLocks is a keyed try-lock. Holding the lock for a site means an
// integration for that site is running.
type SiteLocks struct {
	mu   sync.Mutex
	held map[int64]bool
}

// NewSiteLocks creates an empty lock set.
func NewSiteLocks() *SiteLocks {
	return &SiteLocks{held: make(map[int64]bool)}
}

// TryAcquire takes the lock for site without waiting. The returned release
// func is safe to call more than once.
func (l *SiteLocks) TryAcquire(site int64) (release func(), ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[site] {
		return nil, false
	}
	l.held[site] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, site)
			l.mu.Unlock()
		})
	}, true
}

// IsHeld reports whether site is locked.
func (l *SiteLocks) IsHeld(site int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[site]
}

func lockKey(siteID *int64) int64 {
	if siteID == nil {
		return localSite
	}
	return *siteID
}
