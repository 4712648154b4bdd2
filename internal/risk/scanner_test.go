package risk

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/sinpe-node/internal/domain"
	"github.com/example/sinpe-node/pkg/audit"
)

type fakeActivity struct {
	rows  []domain.AccountActivity
	since time.Time
}

func (f *fakeActivity) ActivitySince(_ context.Context, since time.Time) ([]domain.AccountActivity, error) {
	f.since = since
	return f.rows, nil
}

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, key)
	return nil
}

func TestScanFlagsCountAndVolume(t *testing.T) {
	reader := &fakeActivity{rows: []domain.AccountActivity{
		{SourceRef: "busy", Count: 16, Total: decimal.NewFromInt(1000)},
		{SourceRef: "large", Count: 2, Total: decimal.RequireFromString("1000000.01")},
		{SourceRef: "normal", Count: 15, Total: decimal.NewFromInt(1_000_000)},
	}}
	journal := audit.NewJournal()
	events := &recordingPublisher{}

	s := NewScanner(DefaultScannerConfig(), reader, journal, events, nil)
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	found, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "busy", found[0].SourceRef)
	assert.Equal(t, "large", found[1].SourceRef)
	assert.True(t, reader.since.Equal(now.Add(-time.Hour)))

	assert.Len(t, journal.Entries(), 2)
	assert.True(t, audit.VerifyChain(journal.Entries()))
	assert.Equal(t, []string{"risk.anomaly", "risk.anomaly"}, events.keys)
}

func TestScannerStartStop(t *testing.T) {
	s := NewScanner(DefaultScannerConfig(), &fakeActivity{}, nil, nil, nil)
	require.NoError(t, s.Start())
	ctx := s.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("scanner did not stop")
	}
}

func TestScannerRejectsBadSchedule(t *testing.T) {
	cfg := DefaultScannerConfig()
	cfg.Schedule = "every now and then"
	s := NewScanner(cfg, &fakeActivity{}, nil, nil, nil)
	assert.Error(t, s.Start())
}
