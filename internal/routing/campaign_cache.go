package routing

import (
	"context"
	"errors"
	"sync"
	"time"

	"telecom-rtb/internal/campaigns"

	"github.com/benbjohnson/clock"
)

const DefaultCampaignCacheTTL = 30 * time.Second

// CampaignCache is a read-through TTL cache in front of a campaigns.Store.
// Not-found results are cached too, so a flood of calls to an unknown number
// does not reach the database. Other errors are never cached.
type CampaignCache struct {
	store campaigns.Store
	clock clock.Clock
	ttl   time.Duration

	mu       sync.Mutex
	byID     map[string]cacheEntry
	byNumber map[string]cacheEntry
	hits     uint64
	misses   uint64
}

type cacheEntry struct {
	campaign  campaigns.Campaign
	notFound  bool
	expiresAt time.Time
}

func NewCampaignCache(store campaigns.Store, clk clock.Clock, ttl time.Duration) *CampaignCache {
	if clk == nil {
		clk = clock.New()
	}
	if ttl <= 0 {
		ttl = DefaultCampaignCacheTTL
	}
	return &CampaignCache{
		store:    store,
		clock:    clk,
		ttl:      ttl,
		byID:     make(map[string]cacheEntry),
		byNumber: make(map[string]cacheEntry),
	}
}

func (c *CampaignCache) Get(ctx context.Context, id string) (campaigns.Campaign, error) {
	return c.lookup(ctx, c.byID, id, c.store.Get)
}

func (c *CampaignCache) ByNumber(ctx context.Context, number string) (campaigns.Campaign, error) {
	return c.lookup(ctx, c.byNumber, campaigns.NormalizeNumber(number), c.store.ByNumber)
}

func (c *CampaignCache) lookup(ctx context.Context, m map[string]cacheEntry, key string, load func(context.Context, string) (campaigns.Campaign, error)) (campaigns.Campaign, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if e, ok := m[key]; ok && now.Before(e.expiresAt) {
		c.hits++
		c.mu.Unlock()
		if e.notFound {
			return campaigns.Campaign{}, campaigns.ErrNotFound
		}
		return e.campaign, nil
	}
	c.misses++
	c.mu.Unlock()

	camp, err := load(ctx, key)
	notFound := errors.Is(err, campaigns.ErrNotFound)
	if err != nil && !notFound {
		return campaigns.Campaign{}, err
	}

	c.mu.Lock()
	m[key] = cacheEntry{campaign: camp, notFound: notFound, expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()
	if notFound {
		return campaigns.Campaign{}, campaigns.ErrNotFound
	}
	return camp, nil
}

// Invalidate drops every entry for campaignID, including number lookups that
// resolved to it.
func (c *CampaignCache) Invalidate(campaignID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, campaignID)
	for k, e := range c.byNumber {
		if e.campaign.ID == campaignID {
			delete(c.byNumber, k)
		}
	}
}

// Stats returns the hit and miss counts since creation.
func (c *CampaignCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
