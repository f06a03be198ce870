package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rooneydude/kalshibot/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

// UpsertBatch writes a batch of markets inside one transaction.
func (s *MarketStore) UpsertBatch(ctx context.Context, markets []domain.Market) error {
	if len(markets) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin market upsert: %w", err)
	}
	defer tx.Rollback(ctx)

	const query = `
		INSERT INTO markets (ticker, event_ticker, title, subtitle, category, status,
			yes_bid, yes_ask, no_bid, no_ask, yes_bid_depth, yes_ask_depth,
			rules_text, rules_hash, close_time, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (ticker) DO UPDATE SET
			event_ticker = EXCLUDED.event_ticker,
			title = EXCLUDED.title,
			subtitle = EXCLUDED.subtitle,
			category = EXCLUDED.category,
			status = EXCLUDED.status,
			yes_bid = EXCLUDED.yes_bid,
			yes_ask = EXCLUDED.yes_ask,
			no_bid = EXCLUDED.no_bid,
			no_ask = EXCLUDED.no_ask,
			yes_bid_depth = EXCLUDED.yes_bid_depth,
			yes_ask_depth = EXCLUDED.yes_ask_depth,
			rules_text = EXCLUDED.rules_text,
			rules_hash = EXCLUDED.rules_hash,
			close_time = EXCLUDED.close_time,
			updated_at = EXCLUDED.updated_at
		WHERE markets.updated_at <= EXCLUDED.updated_at`

	for _, m := range markets {
		var closeTime *time.Time
		if !m.CloseTime.IsZero() {
			closeTime = &m.CloseTime
		}
		if _, err := tx.Exec(ctx, query,
			m.Ticker, m.EventTicker, m.Title, m.Subtitle, m.Category, string(m.Status),
			m.Quote.YesBid, m.Quote.YesAsk, m.Quote.NoBid, m.Quote.NoAsk,
			m.Quote.YesBidDepth, m.Quote.YesAskDepth,
			m.RulesText, m.RulesHash, closeTime, m.UpdatedAt,
		); err != nil {
			return fmt.Errorf("postgres: upsert market %s: %w", m.Ticker, err)
		}
	}
	return tx.Commit(ctx)
}

// GetByTicker returns a single market.
func (s *MarketStore) GetByTicker(ctx context.Context, ticker string) (domain.Market, error) {
	const query = `
		SELECT ticker, event_ticker, title, subtitle, category, status,
			yes_bid, yes_ask, no_bid, no_ask, yes_bid_depth, yes_ask_depth,
			rules_text, rules_hash, close_time, updated_at
		FROM markets WHERE ticker = $1`
	m, err := scanMarket(s.pool.QueryRow(ctx, query, ticker))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Market{}, fmt.Errorf("postgres: market %s: %w", ticker, domain.ErrNotFound)
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %s: %w", ticker, err)
	}
	return m, nil
}

// ListOpen returns all markets with open status.
func (s *MarketStore) ListOpen(ctx context.Context) ([]domain.Market, error) {
	const query = `
		SELECT ticker, event_ticker, title, subtitle, category, status,
			yes_bid, yes_ask, no_bid, no_ask, yes_bid_depth, yes_ask_depth,
			rules_text, rules_hash, close_time, updated_at
		FROM markets WHERE status = 'open' ORDER BY ticker`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open markets: %w", err)
	}
	defer rows.Close()

	var out []domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (domain.Market, error) {
	var m domain.Market
	var status string
	var closeTime *time.Time
	err := row.Scan(
		&m.Ticker, &m.EventTicker, &m.Title, &m.Subtitle, &m.Category, &status,
		&m.Quote.YesBid, &m.Quote.YesAsk, &m.Quote.NoBid, &m.Quote.NoAsk,
		&m.Quote.YesBidDepth, &m.Quote.YesAskDepth,
		&m.RulesText, &m.RulesHash, &closeTime, &m.UpdatedAt,
	)
	if err != nil {
		return domain.Market{}, err
	}
	m.Status = domain.MarketStatus(status)
	if closeTime != nil {
		m.CloseTime = *closeTime
	}
	return m, nil
}

var _ domain.MarketStore = (*MarketStore)(nil)
