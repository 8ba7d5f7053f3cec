package campaigns

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore reads campaigns and their tracking numbers.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const campaignColumns = `c.id, c.workspace_id, c.name, c.rtb_enabled, c.routing_type,
	c.min_bid, c.max_bid, c.currency, c.auction_timeout_ms,
	c.static_fallback, c.pool_number, c.is_active`

const selectCampaign = `SELECT ` + campaignColumns + `
FROM campaigns c WHERE c.id = $1`

const selectCampaignByNumber = `SELECT ` + campaignColumns + `
FROM campaigns c
JOIN campaign_numbers n ON n.campaign_id = c.id
WHERE n.number = $1`

const selectCampaignNumbers = `SELECT number FROM campaign_numbers WHERE campaign_id = $1 ORDER BY number`

func (s *PostgresStore) Get(ctx context.Context, id string) (Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, selectCampaign, id))
	if err != nil {
		return Campaign{}, err
	}
	if c.Numbers, err = s.numbers(ctx, c.ID); err != nil {
		return Campaign{}, err
	}
	return c, nil
}

func (s *PostgresStore) ByNumber(ctx context.Context, number string) (Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, selectCampaignByNumber, NormalizeNumber(number)))
	if err != nil {
		return Campaign{}, err
	}
	c.Numbers = []string{NormalizeNumber(number)}
	return c, nil
}

func (s *PostgresStore) numbers(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, selectCampaignNumbers, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanCampaign(row *sql.Row) (Campaign, error) {
	var (
		c           Campaign
		routingType string
		timeoutMS   sql.NullInt64
		poolNumber  sql.NullString
	)
	err := row.Scan(
		&c.ID, &c.WorkspaceID, &c.Name, &c.RTBEnabled, &routingType,
		&c.MinBid, &c.MaxBid, &c.Currency, &timeoutMS,
		&c.StaticFallback, &poolNumber, &c.Active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Campaign{}, ErrNotFound
	}
	if err != nil {
		return Campaign{}, err
	}
	c.RoutingType = RoutingType(routingType)
	c.PoolNumber = poolNumber.String
	if timeoutMS.Valid {
		c.AuctionTimeout = time.Duration(timeoutMS.Int64) * time.Millisecond
	}
	return c, nil
}
