package postgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/storetest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("campaign"),
		tcpostgres.WithUsername("campaign"),
		tcpostgres.WithPassword("campaign"),
		tcpostgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(ctx, db))
	return db
}

func TestCheckpointStoreContract(t *testing.T) {
	db := startPostgres(t)
	storetest.Run(t, func(t *testing.T, clock campaign.Clock) campaign.CheckpointStore {
		ctx := context.Background()
		_, err := db.ExecContext(ctx, `TRUNCATE campaign_checkpoints`)
		require.NoError(t, err)
		store, err := NewCheckpointStore(ctx, Options{DB: db, Clock: clock, SkipMigrate: true})
		require.NoError(t, err)
		return store
	})
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := startPostgres(t)
	require.NoError(t, Migrate(context.Background(), db))
}

func TestNewCheckpointStoreRequiresConnection(t *testing.T) {
	_, err := NewCheckpointStore(context.Background(), Options{})
	require.Error(t, err)
}
