package db

import (
	"context"
	_ "embed"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rawblock/arb-engine/pkg/models"
)

// schemaSQL is compiled into the binary at build time so schema init works
// inside the Docker runtime image, which does not copy internal/db/schema.sql
// into the final stage.
//
//go:embed schema.sql
var schemaSQL string

// TradeLedger persists detected opportunities and execution outcomes for
// offline analysis and the performance endpoints.
type TradeLedger struct {
	pool *pgxpool.Pool
}

// Connect initializes the connection pool to PostgreSQL using pgx.
func Connect(connStr string) (*TradeLedger, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %v", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("ping failed: %v", err)
	}

	log.Println("[Ledger] Connected to PostgreSQL")
	return &TradeLedger{pool: pool}, nil
}

// Close gracefully closes the connection pool.
func (l *TradeLedger) Close() {
	if l.pool != nil {
		l.pool.Close()
	}
}

// InitSchema executes the embedded schema.sql DDL statements.
func (l *TradeLedger) InitSchema() error {
	_, err := l.pool.Exec(context.Background(), schemaSQL)
	if err != nil {
		return fmt.Errorf("failed to execute schema migrations: %v", err)
	}

	log.Println("[Ledger] Trade ledger schema initialized")
	return nil
}

// SaveOpportunity upserts one detected opportunity.
func (l *TradeLedger) SaveOpportunity(ctx context.Context, o *models.Opportunity) error {
	sql := `
		INSERT INTO opportunities
			(id, opportunity_type, buy_chain, sell_chain, buy_dex, sell_dex, fingerprint,
			 expected_profit_usd, profit_percentage, gas_estimate_usd, confidence,
			 path_length, whale_triggered, detected_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			expected_profit_usd = EXCLUDED.expected_profit_usd,
			profit_percentage = EXCLUDED.profit_percentage,
			confidence = EXCLUDED.confidence;
	`
	_, err := l.pool.Exec(ctx, sql,
		o.ID, string(o.Type), o.BuyChain, o.SellChain, o.BuyDex, o.SellDex, o.Fingerprint(),
		o.ExpectedProfitUSD, o.ProfitPercentage, o.GasEstimateUSD, o.Confidence,
		len(o.Path), o.WhaleTriggered,
		time.UnixMilli(o.DetectedAtMs).UTC(), time.UnixMilli(o.ExpiresAtMs).UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert opportunity: %v", err)
	}
	return nil
}

// SaveOutcome appends one execution outcome.
func (l *TradeLedger) SaveOutcome(ctx context.Context, out *models.ExecutionOutcome) error {
	sql := `
		INSERT INTO execution_outcomes
			(opportunity_id, chain, dex, success, actual_profit_usd, gas_cost_usd,
			 error, tx_hash, latency_ms, path_length, gas_price_gwei, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12);
	`
	_, err := l.pool.Exec(ctx, sql,
		out.OpportunityID, out.Chain, out.Dex, out.Success, out.ActualProfitUSD,
		out.GasCostUSD, out.Error, out.TxHash, out.LatencyMs, out.PathLength,
		out.GasPriceGwei, time.UnixMilli(out.TimestampMs).UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution outcome: %v", err)
	}
	return nil
}

// RecentOutcomes returns the chain's latest outcomes, newest first. An empty
// chain returns outcomes across all chains.
func (l *TradeLedger) RecentOutcomes(ctx context.Context, chain string, limit int) ([]models.ExecutionOutcome, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	sql := `
		SELECT opportunity_id, chain, dex, success, actual_profit_usd, gas_cost_usd,
		       error, tx_hash, latency_ms, path_length, gas_price_gwei, executed_at
		FROM execution_outcomes
		WHERE ($1 = '' OR chain = $1)
		ORDER BY executed_at DESC
		LIMIT $2;
	`
	rows, err := l.pool.Query(ctx, sql, chain, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	outcomes := make([]models.ExecutionOutcome, 0, limit)
	for rows.Next() {
		var out models.ExecutionOutcome
		var executedAt time.Time
		if err := rows.Scan(&out.OpportunityID, &out.Chain, &out.Dex, &out.Success,
			&out.ActualProfitUSD, &out.GasCostUSD, &out.Error, &out.TxHash,
			&out.LatencyMs, &out.PathLength, &out.GasPriceGwei, &executedAt); err != nil {
			return nil, err
		}
		out.TimestampMs = executedAt.UnixMilli()
		outcomes = append(outcomes, out)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return outcomes, nil
}

// ChainPerformance aggregates one chain's ledger rows over a window.
type ChainPerformance struct {
	Chain        string  `json:"chain"`
	Executions   int     `json:"executions"`
	Wins         int     `json:"wins"`
	NetProfitUSD float64 `json:"netProfitUsd"`
	TotalGasUSD  float64 `json:"totalGasUsd"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
}

// PerformanceSince aggregates per-chain win rate and PnL from the ledger.
func (l *TradeLedger) PerformanceSince(ctx context.Context, since time.Time) ([]ChainPerformance, error) {
	sql := `
		SELECT chain,
		       COUNT(*),
		       COUNT(*) FILTER (WHERE success),
		       COALESCE(SUM(actual_profit_usd - gas_cost_usd), 0),
		       COALESCE(SUM(gas_cost_usd), 0),
		       COALESCE(AVG(latency_ms), 0)
		FROM execution_outcomes
		WHERE executed_at >= $1
		GROUP BY chain
		ORDER BY chain;
	`
	rows, err := l.pool.Query(ctx, sql, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	perf := make([]ChainPerformance, 0)
	for rows.Next() {
		var p ChainPerformance
		if err := rows.Scan(&p.Chain, &p.Executions, &p.Wins, &p.NetProfitUSD,
			&p.TotalGasUSD, &p.AvgLatencyMs); err != nil {
			return nil, err
		}
		perf = append(perf, p)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return perf, nil
}

// Pool exposes the connection pool for subsystems that run their own queries.
func (l *TradeLedger) Pool() *pgxpool.Pool {
	return l.pool
}
