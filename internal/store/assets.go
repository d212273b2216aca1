package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spyglasshq/spyglass/internal/types"
)

// Risk scores live in a closed interval; out-of-range values are rejected
// at the storage boundary, never clamped.
const (
	MinRiskScore = 0
	MaxRiskScore = 100
)

// UpsertTarget inserts or merges a target keyed by its unique address.
// Metadata fields keep their prior value when the incoming one is nil;
// last_seen always moves forward. Returns the target's row ID.
func (s *SQLiteStore) UpsertTarget(ctx context.Context, target types.Target) (int64, error) {
	now := formatTime(time.Now())

	var id int64
	err := s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		return conn.QueryRowContext(ctx, `
			INSERT INTO targets (address, asn, organization, country_code, first_seen, last_seen, last_scan_run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (address) DO UPDATE SET
				asn              = COALESCE(excluded.asn, targets.asn),
				organization     = COALESCE(excluded.organization, targets.organization),
				country_code     = COALESCE(excluded.country_code, targets.country_code),
				last_seen        = excluded.last_seen,
				last_scan_run_id = excluded.last_scan_run_id
			RETURNING id
		`, target.Address, target.ASN, target.Organization, target.CountryCode,
			now, now, nullIfEmpty(target.LastScanRunID)).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("upsert target %s: %w", target.Address, err)
	}
	return id, nil
}

// UpsertService inserts or merges a service keyed by (target, port,
// transport). The vulnerability list and risk score always take the
// latest observation; descriptive fields keep prior values when the
// incoming one is nil.
func (s *SQLiteStore) UpsertService(ctx context.Context, svc types.Service) error {
	if svc.RiskScore < MinRiskScore || svc.RiskScore > MaxRiskScore {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrRiskScoreRange, svc.RiskScore, MinRiskScore, MaxRiskScore)
	}

	vulns, err := marshalVulns(svc.Vulns)
	if err != nil {
		return fmt.Errorf("marshal vulns: %w", err)
	}
	now := formatTime(time.Now())

	err = s.pool.WithConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO services (target_id, port, transport, product, version, cpe, vulns, risk_score, first_seen, last_updated, scan_run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (target_id, port, transport) DO UPDATE SET
				product      = COALESCE(excluded.product, services.product),
				version      = COALESCE(excluded.version, services.version),
				cpe          = COALESCE(excluded.cpe, services.cpe),
				vulns        = excluded.vulns,
				risk_score   = excluded.risk_score,
				last_updated = excluded.last_updated,
				scan_run_id  = excluded.scan_run_id
		`, svc.TargetID, svc.Port, svc.Transport, svc.Product, svc.Version, svc.CPE,
			vulns, svc.RiskScore, now, now, nullIfEmpty(svc.ScanRunID))
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert service %d/%s on target %d: %w", svc.Port, svc.Transport, svc.TargetID, err)
	}
	return nil
}

// BatchUpsertServices bulk-inserts services, silently skipping rows whose
// (target, port, transport) key already exists: first write wins, unlike
// the merging single-row upsert. Returns the number of rows actually
// inserted.
func (s *SQLiteStore) BatchUpsertServices(ctx context.Context, svcs []types.Service) (int, error) {
	if len(svcs) == 0 {
		return 0, nil
	}
	for _, svc := range svcs {
		if svc.RiskScore < MinRiskScore || svc.RiskScore > MaxRiskScore {
			return 0, fmt.Errorf("%w: %d not in [%d, %d]", ErrRiskScoreRange, svc.RiskScore, MinRiskScore, MaxRiskScore)
		}
	}

	inserted := 0
	err := s.pool.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO services (target_id, port, transport, product, version, cpe, vulns, risk_score, first_seen, last_updated, scan_run_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()

		now := formatTime(time.Now())
		for _, svc := range svcs {
			vulns, err := marshalVulns(svc.Vulns)
			if err != nil {
				return fmt.Errorf("marshal vulns: %w", err)
			}
			res, err := stmt.ExecContext(ctx,
				svc.TargetID, svc.Port, svc.Transport, svc.Product, svc.Version, svc.CPE,
				vulns, svc.RiskScore, now, now, nullIfEmpty(svc.ScanRunID))
			if err != nil {
				return fmt.Errorf("insert service: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

func marshalVulns(vulns []string) (string, error) {
	if vulns == nil {
		vulns = []string{}
	}
	b, err := json.Marshal(vulns)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
