package collector

import (
	"context"

	"github.com/spyglasshq/spyglass/internal/intel"
	"github.com/spyglasshq/spyglass/internal/types"
)

// Source defines the intelligence-source operations needed by the
// collector.
type Source interface {
	Search(ctx context.Context, query string) (RecordStream, error)
	Quota(ctx context.Context) (*types.QuotaSnapshot, error)
}

// RecordStream yields records from one search, io.EOF on exhaustion.
type RecordStream interface {
	Next(ctx context.Context) (types.Record, error)
}

// SourceAdapter adapts *intel.Client to the Source interface so the
// collector can run against a fake source in tests.
type SourceAdapter struct {
	Client *intel.Client
}

func (a SourceAdapter) Search(ctx context.Context, query string) (RecordStream, error) {
	stream, err := a.Client.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (a SourceAdapter) Quota(ctx context.Context) (*types.QuotaSnapshot, error) {
	return a.Client.Quota(ctx)
}
