package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mailgrove/mailgrove/logger"
)

type tracerCtxKey struct{}

type tracedQuery struct {
	sql     string
	started time.Time
}

// queryTracer logs every statement with its duration when
// database.log_queries is enabled.
type queryTracer struct{}

func (t *queryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	return context.WithValue(ctx, tracerCtxKey{}, tracedQuery{sql: data.SQL, started: time.Now()})
}

func (t *queryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	q, ok := ctx.Value(tracerCtxKey{}).(tracedQuery)
	if !ok {
		return
	}
	elapsed := time.Since(q.started)
	if data.Err != nil {
		logger.Debugf("query failed after %s: %s: %v", elapsed, q.sql, data.Err)
		return
	}
	logger.Debugf("query %s (%s)", q.sql, elapsed)
}
