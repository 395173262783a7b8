package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncengine/listingsync/config"
	"github.com/syncengine/listingsync/models"
	"github.com/syncengine/listingsync/storage"
)

type noopScraper struct{}

func (noopScraper) Scrape(ctx context.Context, sourceURL string) (models.ScrapedRecord, error) {
	return models.ScrapedRecord{SourceURL: sourceURL}, nil
}

func TestNewWiresAllComponents(t *testing.T) {
	store, err := storage.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	cfg := &config.Config{
		RequestTimeout: 5 * time.Second,
		Tiers:          map[models.TierLevel]config.TierSettings{},
	}

	ctx := New(cfg, store, noopScraper{}, nil, nil)
	assert.NotNil(t, ctx.Clients)
	assert.NotNil(t, ctx.Scanner)
	assert.NotNil(t, ctx.Detector)
	assert.NotNil(t, ctx.Worker)
	assert.NotNil(t, ctx.Orchestrator)
	assert.NotNil(t, ctx.Scheduler)
	assert.IsType(t, RealClock{}, ctx.Clock)
}

func TestFixedClockReturnsFixedInstant(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := FixedClock{At: at}
	assert.True(t, c.Now().Equal(at))
}
