// Package catalog holds the process-wide snapshot of known videos. The tracker,
// the ledger and the ranking aggregator all read and write it.
package catalog

import (
	"sync"

	"github.com/victornm/risingstars/internal/domain"
)

type Catalog struct {
	mu     sync.RWMutex
	videos map[string]domain.Video
}

func New() *Catalog {
	return &Catalog{videos: make(map[string]domain.Video)}
}

func (c *Catalog) Get(videoID string) (domain.Video, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.videos[videoID]
	return v, ok
}

// Merge upserts v. The status only moves forward; an unknown, backward or
// illegal status keeps the stored one. The vote count from v always wins.
func (c *Catalog) Merge(v domain.Video) domain.Video {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mergeLocked(v, false)
}

// MergeStatus is Merge for status-only updates: a known video keeps its vote count.
func (c *Catalog) MergeStatus(v domain.Video) domain.Video {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mergeLocked(v, true)
}

func (c *Catalog) mergeLocked(v domain.Video, keepVotes bool) domain.Video {
	v.VoteCount = max(v.VoteCount, 0)

	cur, ok := c.videos[v.VideoID]
	if ok {
		if cur.Status != v.Status {
			if _, legal := cur.Status.PathTo(v.Status); !legal {
				v.Status = cur.Status
			}
		}
		if v.UploadedAt.IsZero() {
			v.UploadedAt = cur.UploadedAt
		}
		if keepVotes {
			v.VoteCount = cur.VoteCount
		}
	}

	c.videos[v.VideoID] = v
	return v
}

// IncrementVotes adds one vote and returns the new count.
func (c *Catalog) IncrementVotes(videoID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.videos[videoID]
	if !ok {
		return 0, false
	}

	v.VoteCount++
	c.videos[videoID] = v
	return v.VoteCount, true
}

// SetVotes overwrites the vote count with an authoritative value.
func (c *Catalog) SetVotes(videoID string, n int) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.videos[videoID]
	if !ok {
		return 0, false
	}

	v.VoteCount = max(n, 0)
	c.videos[videoID] = v
	return v.VoteCount, true
}

// Processed returns the processed videos whose city passes filter, in no
// particular order.
func (c *Catalog) Processed(filter string) []domain.Video {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []domain.Video
	for _, v := range c.videos {
		if v.Status == domain.VideoStatusProcessed && domain.MatchCity(filter, v.City) {
			out = append(out, v)
		}
	}
	return out
}

func (c *Catalog) Delete(videoID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.videos, videoID)
}
