package intel

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spyglasshq/spyglass/internal/types"
)

// match is the wire shape of a single search result. Only the fields the
// pipeline consumes are declared; the raw document is carried through
// untouched for archival.
type match struct {
	IP        string   `json:"ip_str"`
	Port      int      `json:"port"`
	Transport string   `json:"transport"`
	Product   string   `json:"product"`
	Version   string   `json:"version"`
	CPE       []string `json:"cpe"`
	Vulns     []string `json:"vulns"`
	ASN       string   `json:"asn"`
	Org       string   `json:"org"`
	Timestamp string   `json:"timestamp"`
	Location  struct {
		CountryCode string `json:"country_code"`
	} `json:"location"`
}

// timestampLayouts covers the source's microsecond format and plain
// RFC 3339, in the order they are tried.
var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999",
	time.RFC3339,
}

func parseRecord(raw json.RawMessage) (types.Record, error) {
	var m match
	if err := json.Unmarshal(raw, &m); err != nil {
		return types.Record{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if m.IP == "" {
		return types.Record{}, fmt.Errorf("%w: missing address", ErrMalformedRecord)
	}
	if m.Port <= 0 || m.Port > 65535 {
		return types.Record{}, fmt.Errorf("%w: port %d out of range", ErrMalformedRecord, m.Port)
	}
	observedAt, err := parseTimestamp(m.Timestamp)
	if err != nil {
		return types.Record{}, err
	}

	rec := types.Record{
		Address:      m.IP,
		Port:         m.Port,
		Transport:    m.Transport,
		Product:      optional(m.Product),
		Version:      optional(m.Version),
		Vulns:        m.Vulns,
		ASN:          optional(m.ASN),
		Organization: optional(m.Org),
		CountryCode:  optional(m.Location.CountryCode),
		ObservedAt:   observedAt,
		Document:     raw,
	}
	if rec.Transport == "" {
		rec.Transport = "tcp"
	}
	if len(m.CPE) > 0 {
		rec.CPE = &m.CPE[0]
	}
	return rec, nil
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrMalformedRecord, s)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
