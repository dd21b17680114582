package store

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// dedupWindow remembers ids this instance recently wrote so the change-feed
// echo of our own insert is not re-published locally. Entries expire so the
// set stays bounded no matter how long the instance runs.
type dedupWindow struct {
	cache *gocache.Cache
}

func newDedupWindow(ttl time.Duration) *dedupWindow {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &dedupWindow{
		cache: gocache.New(ttl, ttl),
	}
}

// remember marks an id as written by this instance.
func (d *dedupWindow) remember(id string) {
	d.cache.SetDefault(id, struct{}{})
}

// seen reports whether the id is inside the window.
func (d *dedupWindow) seen(id string) bool {
	_, ok := d.cache.Get(id)
	return ok
}

func (d *dedupWindow) len() int {
	return d.cache.ItemCount()
}
