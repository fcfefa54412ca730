package backfill

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// FreshnessChecker reports when a tenant's table last received data.
// The warehouse satisfies this; auto-detect uses it to find tables
// lacking recent data.
type FreshnessChecker interface {
	LastIngestionTime(ctx context.Context, table, tenantID string) (time.Time, error)
}

// runAutoDetect scans the service's default tables for staleness and
// backfills the stale ones through the normal job machinery. A table
// with no data at all gets the default range; a stale table is
// backfilled from its last ingestion time.
func (o *Orchestrator) runAutoDetect(ctx context.Context, req Request) (Result, error) {
	if o.freshness == nil {
		err := fmt.Errorf("auto_detect requires a freshness checker")
		return Result{StatusCode: http.StatusBadRequest, Errors: []string{err.Error()}}, err
	}

	now := o.now().UTC()
	cutoff := now.Add(-o.cfg.StaleAfter)

	var ranges []tableRange
	for _, table := range o.resolver.DefaultTables(req.Service) {
		last, err := o.freshness.LastIngestionTime(ctx, table, req.TenantID)
		if err != nil {
			// A table the warehouse has never seen is simply stale.
			o.log.Debug("freshness check failed, treating table as stale",
				zap.String("table", table), zap.Error(err))
			last = time.Time{}
		}

		if !last.Before(cutoff) {
			continue
		}

		start := last
		if start.IsZero() {
			start = now.AddDate(0, 0, -o.cfg.DefaultRangeDays)
		}
		ranges = append(ranges, tableRange{Table: table, Start: start, End: now})
	}

	if len(ranges) == 0 {
		o.log.Info("auto-detect found no stale tables",
			zap.String("tenant_id", req.TenantID),
			zap.String("service", req.Service))
		return Result{StatusCode: http.StatusOK, Errors: []string{}}, nil
	}

	o.log.Info("auto-detect triggering backfill",
		zap.String("tenant_id", req.TenantID),
		zap.String("service", req.Service),
		zap.Int("stale_tables", len(ranges)))

	return o.runJob(ctx, req, ranges)
}
