package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spyglasshq/spyglass/internal/intel"
	"github.com/spyglasshq/spyglass/internal/store"
	"github.com/spyglasshq/spyglass/internal/types"
)

type profileStatus int

const (
	profileSucceeded profileStatus = iota
	profileFailed
	profileInterrupted
)

// profileResult is the explicit per-profile outcome the cycle loop
// branches on.
type profileResult struct {
	status  profileStatus
	records int
	skipped int
	err     error
}

// collectProfile runs one profile's pass: build the query from the stored
// checkpoint, stream records, persist each, then write the aggregate and
// the new checkpoint in one statement. A hard stream failure leaves the
// checkpoint unadvanced; the next cycle retries from the old one.
func (c *Collector) collectProfile(ctx context.Context, runID string, profile types.Profile) profileResult {
	cycleStart := c.now().UTC()

	checkpoint, incremental, err := c.store.Checkpoint(ctx, profile.Name)
	if err != nil {
		return profileResult{status: profileFailed, err: fmt.Errorf("read checkpoint: %w", err)}
	}
	query := buildQuery(profile.Query, checkpoint, incremental)

	slog.Info("profile pass started",
		"component", "collector",
		"action", "profile_start",
		"scan_run_id", runID,
		"profile", profile.Name,
		"incremental", incremental,
	)

	stream, err := c.source.Search(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return profileResult{status: profileInterrupted}
		}
		return profileResult{status: profileFailed, err: fmt.Errorf("search: %w", err)}
	}

	var (
		count        int
		skipped      int
		countries    = map[string]int64{}
		newest       time.Time
		oldestFailed time.Time
	)

	for {
		if ctx.Err() != nil {
			return profileResult{status: profileInterrupted, records: count, skipped: skipped}
		}

		rec, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, intel.ErrMalformedRecord) {
			skipped++
			metricRecordsSkipped.WithLabelValues(profile.Name).Inc()
			slog.Warn("skipping malformed record",
				"component", "collector",
				"action", "record_skipped",
				"profile", profile.Name,
				"error", err,
			)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return profileResult{status: profileInterrupted, records: count, skipped: skipped}
			}
			return profileResult{status: profileFailed, records: count, skipped: skipped, err: fmt.Errorf("stream aborted: %w", err)}
		}

		persisted := c.persistRecord(ctx, runID, profile.Name, rec)
		count++
		metricRecordsProcessed.WithLabelValues(profile.Name).Inc()
		if rec.CountryCode != nil {
			countries[*rec.CountryCode]++
		}

		observed := rec.ObservedAt.UTC()
		if persisted {
			if observed.After(newest) {
				newest = observed
			}
		} else if oldestFailed.IsZero() || observed.Before(oldestFailed) {
			oldestFailed = observed
		}

		if err := sleepCtx(ctx, c.cfg.RecordDelay); err != nil {
			return profileResult{status: profileInterrupted, records: count, skipped: skipped}
		}
	}

	// The checkpoint may advance to the newest persisted observation but
	// never past a record whose write failed; an empty pass advances to
	// the cycle start so the next query still narrows.
	next := newest
	if !oldestFailed.IsZero() {
		limit := oldestFailed.Add(-time.Second)
		if next.IsZero() || next.After(limit) {
			next = limit
		}
	} else if next.IsZero() {
		next = cycleStart
	}

	if err := c.store.UpdateProfileStats(ctx, types.ProfileStats{
		ProfileName:     profile.Name,
		TotalCount:      int64(count),
		CountryDist:     countries,
		LastCollectedAt: next,
	}); err != nil {
		return profileResult{status: profileFailed, records: count, skipped: skipped, err: fmt.Errorf("write aggregate: %w", err)}
	}

	if err := c.store.AppendProfileHistory(ctx, profile.Name, int64(count), c.now().UTC()); err != nil {
		// Trend data only; the pass still counts as successful.
		slog.Warn("history append failed",
			"component", "collector",
			"action", "history_failed",
			"profile", profile.Name,
			"error", err,
		)
	}

	slog.Info("profile pass completed",
		"component", "collector",
		"action", "profile_complete",
		"scan_run_id", runID,
		"profile", profile.Name,
		"records", count,
		"skipped", skipped,
		"checkpoint", next.Format(time.RFC3339),
	)
	return profileResult{status: profileSucceeded, records: count, skipped: skipped}
}

// persistRecord writes one observation: the raw document first, then the
// relational upserts. Failures are logged and absorbed so the pass keeps
// moving; the return value reports whether every write landed, which
// gates how far the checkpoint may advance. A fully persisted record is
// flagged processed in the raw store, so the unprocessed set is exactly
// the replayable backlog.
func (c *Collector) persistRecord(ctx context.Context, runID, profileName string, rec types.Record) bool {
	ok := true

	digest, err := c.raw.Put(types.RawRecord{
		Profile:     profileName,
		Address:     rec.Address,
		Port:        rec.Port,
		ObservedAt:  rec.ObservedAt,
		CollectedAt: c.now().UTC(),
		Document:    rec.Document,
	})
	if err != nil {
		ok = false
		metricPersistFailures.Inc()
		slog.Error("raw record write failed",
			"component", "collector",
			"action", "raw_write_failed",
			"profile", profileName,
			"address", rec.Address,
			"port", rec.Port,
			"error", err,
		)
	}

	targetID, err := c.store.UpsertTarget(ctx, types.Target{
		Address:       rec.Address,
		ASN:           rec.ASN,
		Organization:  rec.Organization,
		CountryCode:   rec.CountryCode,
		LastScanRunID: runID,
	})
	if err != nil {
		metricPersistFailures.Inc()
		slog.Error("target upsert failed",
			"component", "collector",
			"action", "target_upsert_failed",
			"profile", profileName,
			"address", rec.Address,
			"error", err,
		)
		return false
	}

	if err := c.store.UpsertService(ctx, types.Service{
		TargetID:  targetID,
		Port:      rec.Port,
		Transport: rec.Transport,
		Product:   rec.Product,
		Version:   rec.Version,
		CPE:       rec.CPE,
		Vulns:     rec.Vulns,
		RiskScore: riskScore(rec.Vulns),
		ScanRunID: runID,
	}); err != nil {
		metricPersistFailures.Inc()
		slog.Error("service upsert failed",
			"component", "collector",
			"action", "service_upsert_failed",
			"profile", profileName,
			"address", rec.Address,
			"port", rec.Port,
			"error", err,
		)
		return false
	}

	if ok {
		// Bookkeeping only: the observation is already durable in both
		// stores, so a failed flag write is not a persistence failure.
		if err := c.raw.MarkProcessed(digest); err != nil {
			slog.Warn("raw record mark-processed failed",
				"component", "collector",
				"action", "mark_processed_failed",
				"profile", profileName,
				"digest", digest,
				"error", err,
			)
		}
	}
	return ok
}

// buildQuery narrows the base query when a checkpoint exists. The after
// filter works at day granularity and excludes the named day, so it backs
// up one day from the checkpoint; raw-record idempotence absorbs the
// redelivered overlap.
func buildQuery(base string, checkpoint time.Time, incremental bool) string {
	if !incremental {
		return base
	}
	return base + " after:" + checkpoint.UTC().AddDate(0, 0, -1).Format("2006-01-02")
}

// riskScore derives a coarse severity from the vulnerability count: a
// bare exposed service scores 1, each known vulnerability adds one.
func riskScore(vulns []string) int {
	score := len(vulns) + 1
	if score > store.MaxRiskScore {
		return store.MaxRiskScore
	}
	return score
}
