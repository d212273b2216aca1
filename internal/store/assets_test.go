package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/spyglasshq/spyglass/internal/types"
)

func strPtr(s string) *string { return &s }

func mustTarget(t *testing.T, s *SQLiteStore, address string) int64 {
	t.Helper()
	id, err := s.UpsertTarget(context.Background(), types.Target{Address: address})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

// readService pulls the merge-relevant columns straight from the table.
func readService(t *testing.T, s *SQLiteStore, targetID int64, port int, transport string) (product, version sql.NullString, vulns string, risk int) {
	t.Helper()
	err := s.db.QueryRow(`
		SELECT product, version, vulns, risk_score
		FROM services
		WHERE target_id = ? AND port = ? AND transport = ?
	`, targetID, port, transport).Scan(&product, &version, &vulns, &risk)
	if err != nil {
		t.Fatal(err)
	}
	return
}

func TestUpsertTarget_SameAddressSameRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.UpsertTarget(ctx, types.Target{Address: "10.0.0.5"})
	if err != nil {
		t.Fatal(err)
	}
	id2, err := s.UpsertTarget(ctx, types.Target{Address: "10.0.0.5"})
	if err != nil {
		t.Fatal(err)
	}

	if id1 != id2 {
		t.Errorf("expected the same row ID for the same address, got %d and %d", id1, id2)
	}

	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM targets`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 target row, got %d", count)
	}
}

func TestUpsertTarget_MergePreservesMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertTarget(ctx, types.Target{
		Address:      "10.0.0.5",
		Organization: strPtr("ExampleOrg"),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Second observation has no organization but adds a country.
	_, err = s.UpsertTarget(ctx, types.Target{
		Address:     "10.0.0.5",
		CountryCode: strPtr("DE"),
	})
	if err != nil {
		t.Fatal(err)
	}

	var org, country sql.NullString
	if err := s.db.QueryRow(
		`SELECT organization, country_code FROM targets WHERE address = '10.0.0.5'`,
	).Scan(&org, &country); err != nil {
		t.Fatal(err)
	}

	if !org.Valid || org.String != "ExampleOrg" {
		t.Errorf("organization regressed: got %v, want ExampleOrg", org)
	}
	if !country.Valid || country.String != "DE" {
		t.Errorf("country_code not merged in: got %v, want DE", country)
	}
}

func TestUpsertTarget_BumpsLastSeenKeepsFirstSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertTarget(ctx, types.Target{Address: "10.0.0.5"}); err != nil {
		t.Fatal(err)
	}

	// Backdate both timestamps so the next upsert's bump is observable.
	past := formatTime(time.Now().Add(-24 * time.Hour))
	if _, err := s.db.Exec(
		`UPDATE targets SET first_seen = ?, last_seen = ? WHERE address = '10.0.0.5'`,
		past, past,
	); err != nil {
		t.Fatal(err)
	}

	if _, err := s.UpsertTarget(ctx, types.Target{Address: "10.0.0.5"}); err != nil {
		t.Fatal(err)
	}

	var firstSeen, lastSeen string
	if err := s.db.QueryRow(
		`SELECT first_seen, last_seen FROM targets WHERE address = '10.0.0.5'`,
	).Scan(&firstSeen, &lastSeen); err != nil {
		t.Fatal(err)
	}

	if firstSeen != past {
		t.Errorf("first_seen must survive merges: got %s, want %s", firstSeen, past)
	}
	if lastSeen <= past {
		t.Errorf("last_seen must move forward: got %s", lastSeen)
	}
}

func TestUpsertService_SecondObservationUpdatesInPlace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	targetID := mustTarget(t, s, "10.0.0.5")

	if err := s.UpsertService(ctx, types.Service{
		TargetID:  targetID,
		Port:      5432,
		Transport: "tcp",
		Product:   strPtr("PostgreSQL"),
		Vulns:     []string{"CVE-2024-0001"},
		RiskScore: 40,
	}); err != nil {
		t.Fatal(err)
	}

	// No product this time, but a version and fresh vulns.
	if err := s.UpsertService(ctx, types.Service{
		TargetID:  targetID,
		Port:      5432,
		Transport: "tcp",
		Version:   strPtr("16.3"),
		Vulns:     []string{"CVE-2024-0002", "CVE-2024-0003"},
		RiskScore: 75,
	}); err != nil {
		t.Fatal(err)
	}

	var count int64
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM services WHERE target_id = ?`, targetID,
	).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("expected 1 service row after duplicate observation, got %d", count)
	}

	product, version, vulnsJSON, risk := readService(t, s, targetID, 5432, "tcp")
	if !product.Valid || product.String != "PostgreSQL" {
		t.Errorf("product regressed on nil incoming: got %v", product)
	}
	if !version.Valid || version.String != "16.3" {
		t.Errorf("version not merged in: got %v", version)
	}
	if risk != 75 {
		t.Errorf("risk score must take the latest observation: got %d, want 75", risk)
	}

	var vulns []string
	if err := json.Unmarshal([]byte(vulnsJSON), &vulns); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(vulns, []string{"CVE-2024-0002", "CVE-2024-0003"}) {
		t.Errorf("vulns must take the latest observation: got %v", vulns)
	}
}

func TestUpsertService_TransportDistinguishesRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	targetID := mustTarget(t, s, "10.0.0.5")

	for _, transport := range []string{"tcp", "udp"} {
		if err := s.UpsertService(ctx, types.Service{
			TargetID:  targetID,
			Port:      53,
			Transport: transport,
			RiskScore: 10,
		}); err != nil {
			t.Fatal(err)
		}
	}

	var count int64
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM services WHERE target_id = ? AND port = 53`, targetID,
	).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected tcp and udp rows, got %d", count)
	}
}

func TestUpsertService_RejectsRiskScoreOutOfRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	targetID := mustTarget(t, s, "10.0.0.5")

	for _, risk := range []int{-1, 101, 1000} {
		err := s.UpsertService(ctx, types.Service{
			TargetID:  targetID,
			Port:      80,
			Transport: "tcp",
			RiskScore: risk,
		})
		if !errors.Is(err, ErrRiskScoreRange) {
			t.Errorf("risk %d: expected ErrRiskScoreRange, got %v", risk, err)
		}
	}

	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM services`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("rejected upserts must not write rows, got %d", count)
	}
}

func TestBatchUpsertServices_FirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	targetID := mustTarget(t, s, "10.0.0.5")

	if err := s.UpsertService(ctx, types.Service{
		TargetID:  targetID,
		Port:      443,
		Transport: "tcp",
		Product:   strPtr("nginx"),
		RiskScore: 20,
	}); err != nil {
		t.Fatal(err)
	}

	inserted, err := s.BatchUpsertServices(ctx, []types.Service{
		{TargetID: targetID, Port: 443, Transport: "tcp", Product: strPtr("apache"), RiskScore: 90},
		{TargetID: targetID, Port: 8080, Transport: "tcp", Product: strPtr("tomcat"), RiskScore: 30},
	})
	if err != nil {
		t.Fatal(err)
	}

	if inserted != 1 {
		t.Errorf("expected 1 inserted (conflicting row skipped), got %d", inserted)
	}

	product, _, _, risk := readService(t, s, targetID, 443, "tcp")
	if !product.Valid || product.String != "nginx" {
		t.Errorf("existing row must win over batch conflicts: got %v", product)
	}
	if risk != 20 {
		t.Errorf("existing risk must be untouched by batch conflicts: got %d", risk)
	}
}

func TestBatchUpsertServices_IntraBatchDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	targetID := mustTarget(t, s, "10.0.0.5")

	inserted, err := s.BatchUpsertServices(ctx, []types.Service{
		{TargetID: targetID, Port: 22, Transport: "tcp", Product: strPtr("openssh"), RiskScore: 15},
		{TargetID: targetID, Port: 22, Transport: "tcp", Product: strPtr("dropbear"), RiskScore: 95},
	})
	if err != nil {
		t.Fatal(err)
	}

	if inserted != 1 {
		t.Errorf("expected duplicate within batch to be skipped, inserted=%d", inserted)
	}

	product, _, _, risk := readService(t, s, targetID, 22, "tcp")
	if !product.Valid || product.String != "openssh" {
		t.Errorf("first write must win within a batch: got %v", product)
	}
	if risk != 15 {
		t.Errorf("first write must win within a batch: risk %d", risk)
	}
}

func TestBatchUpsertServices_RejectsOutOfRangeBeforeWriting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	targetID := mustTarget(t, s, "10.0.0.5")

	_, err := s.BatchUpsertServices(ctx, []types.Service{
		{TargetID: targetID, Port: 80, Transport: "tcp", RiskScore: 10},
		{TargetID: targetID, Port: 81, Transport: "tcp", RiskScore: 300},
	})
	if !errors.Is(err, ErrRiskScoreRange) {
		t.Fatalf("expected ErrRiskScoreRange, got %v", err)
	}

	var count int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM services`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("validation failure must not leave partial batch rows, got %d", count)
	}
}

func TestBatchUpsertServices_EmptyBatch(t *testing.T) {
	s := newTestStore(t)

	inserted, err := s.BatchUpsertServices(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if inserted != 0 {
		t.Errorf("expected 0 inserted for empty batch, got %d", inserted)
	}
}
