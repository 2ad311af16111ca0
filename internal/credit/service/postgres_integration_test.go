//go:build integration

package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	"github.com/smallbiznis/inspectbill/internal/clock"
	"github.com/smallbiznis/inspectbill/internal/credit/domain"
	creditrepo "github.com/smallbiznis/inspectbill/internal/credit/repository"
	"github.com/smallbiznis/inspectbill/internal/migration"
	orgdomain "github.com/smallbiznis/inspectbill/internal/organization/domain"
	orgrepo "github.com/smallbiznis/inspectbill/internal/organization/repository"
	"github.com/smallbiznis/inspectbill/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupPostgres starts a throwaway postgres with the embedded migrations
// applied.
func setupPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("inspectbill_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := gorm.Open(gormpostgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(10)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, migration.RunMigrations(sqlDB))
	return db
}

func newPostgresFixture(t *testing.T) *fixture {
	t.Helper()

	db := setupPostgres(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	orgs := orgrepo.Provide()

	org := &orgdomain.Organization{
		ID:        node.Generate(),
		Name:      "Harbour Lettings",
		Slug:      "harbour-lettings",
		CreatedAt: clk.Now(),
		UpdatedAt: clk.Now(),
	}
	require.NoError(t, orgs.Insert(context.Background(), db, org))

	svc := NewService(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clk,
		Repo:    creditrepo.Provide(),
		OrgRepo: orgs,
	})
	return &fixture{db: db, clock: clk, svc: svc, orgs: orgs, org: org.ID}
}

func TestPostgresConcurrentConsumeHoldsRowLocks(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	soon := f.clock.Now().Add(48 * time.Hour)
	f.grant(t, 6, domain.SourceTopup, nil)
	f.grant(t, 6, domain.SourcePlanInclusion, &soon)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.ConsumeCredits(ctx, domain.ConsumeRequest{
				OrgID:      f.org,
				Quantity:   1,
				EntityType: "inspection",
				EntityID:   snowflake.ID(i + 1).String(),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case billingerror.Is(err, billingerror.KindInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 12, succeeded)
	assert.Equal(t, 8, insufficient)
	assert.Zero(t, f.counter(t))
	assert.NoError(t, f.svc.VerifyIntegrity(ctx, f.org))
}

func TestPostgresExpireAndRepair(t *testing.T) {
	f := newPostgresFixture(t)
	ctx := context.Background()
	f.grant(t, 10, domain.SourceTopup, nil)

	require.NoError(t, f.orgs.SetCredits(ctx, f.db, f.org, 3))
	err := f.svc.VerifyIntegrity(ctx, f.org)
	assert.True(t, billingerror.Is(err, billingerror.KindDataIntegrity))

	delta, err := f.svc.RepairCounter(ctx, f.org)
	require.NoError(t, err)
	assert.Equal(t, int64(7), delta)
	assert.Equal(t, int64(10), f.counter(t))
	assert.NoError(t, f.svc.VerifyIntegrity(ctx, f.org))
}
