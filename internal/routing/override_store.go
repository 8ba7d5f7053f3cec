package routing

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"telecom-rtb/internal/telephony"
)

// MemoryOverrides holds overrides in process (catalog mode, tests). A campaign
// specific override wins over a workspace-wide one.
type MemoryOverrides struct {
	mu    sync.RWMutex
	items []Override
}

func NewMemoryOverrides(items ...Override) *MemoryOverrides {
	return &MemoryOverrides{items: append([]Override(nil), items...)}
}

func (m *MemoryOverrides) Put(o Override) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.items {
		if m.items[i].ID == o.ID {
			m.items[i] = o
			return
		}
	}
	m.items = append(m.items, o)
}

func (m *MemoryOverrides) GetActiveOverride(_ context.Context, workspaceID, campaignID string, _ telephony.InboundCallRequest, now time.Time) (Override, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		best  Override
		found bool
	)
	for _, o := range m.items {
		if o.WorkspaceID != workspaceID || !o.ExpiresAt.After(now) {
			continue
		}
		if o.CampaignID != "" && o.CampaignID != campaignID {
			continue
		}
		if !found || (best.CampaignID == "" && o.CampaignID != "") ||
			(best.CampaignID == o.CampaignID && o.ExpiresAt.After(best.ExpiresAt)) {
			best, found = o, true
		}
	}
	return best, found, nil
}

// PostgresOverrides reads the routing_overrides table written by the ops console.
type PostgresOverrides struct {
	db *sql.DB
}

func NewPostgresOverrides(db *sql.DB) *PostgresOverrides {
	return &PostgresOverrides{db: db}
}

const selectActiveOverride = `SELECT id, workspace_id, COALESCE(campaign_id, ''), connect_to, expires_at,
	COALESCE(created_by, ''), COALESCE(created_by_role, ''), COALESCE(metadata, '')
FROM routing_overrides
WHERE workspace_id = $1 AND (campaign_id = $2 OR campaign_id IS NULL) AND expires_at > $3
ORDER BY campaign_id NULLS LAST, expires_at DESC
LIMIT 1`

func (p *PostgresOverrides) GetActiveOverride(ctx context.Context, workspaceID, campaignID string, _ telephony.InboundCallRequest, now time.Time) (Override, bool, error) {
	var o Override
	err := p.db.QueryRowContext(ctx, selectActiveOverride, workspaceID, campaignID, now.UTC()).Scan(
		&o.ID, &o.WorkspaceID, &o.CampaignID, &o.ConnectTo, &o.ExpiresAt,
		&o.CreatedBy, &o.CreatedByRole, &o.Metadata,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Override{}, false, nil
	}
	if err != nil {
		return Override{}, false, err
	}
	return o, true, nil
}
