package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/inspectbill/internal/audit/domain"
	"github.com/smallbiznis/inspectbill/internal/audit/repository"
	"github.com/smallbiznis/inspectbill/internal/billingerror"
	"github.com/smallbiznis/inspectbill/internal/clock"
	obscontext "github.com/smallbiznis/inspectbill/internal/observability/context"
	"github.com/smallbiznis/inspectbill/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newService(t *testing.T) (auditdomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()
	db := testutil.NewDB(t, &auditdomain.AuditLog{})
	clk := clock.NewFakeClock(time.Date(2026, 6, 2, 14, 0, 0, 0, time.UTC))
	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.NewNode(t),
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, db, clk
}

func TestAuditLogTakesActorFromContext(t *testing.T) {
	svc, _, _ := newService(t)
	orgID := snowflake.ID(1890158996666740736)

	ctx := obscontext.WithActor(context.Background(), "operator:priya")
	ctx = obscontext.WithOrgID(ctx, orgID.String())
	ctx = obscontext.WithRequestID(ctx, "req-7f3a")

	require.NoError(t, svc.AuditLog(ctx, auditdomain.Entry{
		Action:     "webhook_event.replayed",
		TargetType: "webhook_event",
		TargetID:   "evt_1PqR",
		Metadata:   map[string]any{"provider": "stripe", "signing_secret": "whsec_abcdef123456"},
	}))

	resp, err := svc.List(context.Background(), auditdomain.ListRequest{OrgID: &orgID})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	got := resp.AuditLogs[0]
	assert.Equal(t, "operator", got.ActorType)
	require.NotNil(t, got.ActorID)
	assert.Equal(t, "priya", *got.ActorID)
	require.NotNil(t, got.RequestID)
	assert.Equal(t, "req-7f3a", *got.RequestID)
	assert.Equal(t, "stripe", got.Metadata["provider"])
	assert.Equal(t, "whsec_****3456", got.Metadata["signing_secret"])
}

func TestAuditLogDefaultsToSystemActor(t *testing.T) {
	svc, _, _ := newService(t)

	require.NoError(t, svc.AuditLog(context.Background(), auditdomain.Entry{Action: "fx.refreshed"}))

	resp, err := svc.List(context.Background(), auditdomain.ListRequest{})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
	assert.Equal(t, string(auditdomain.ActorTypeSystem), resp.AuditLogs[0].ActorType)
	assert.Equal(t, "unknown", resp.AuditLogs[0].TargetType)
	assert.Nil(t, resp.AuditLogs[0].OrgID)
}

func TestAuditLogRejectsEmptyAction(t *testing.T) {
	svc, _, _ := newService(t)

	err := svc.AuditLog(context.Background(), auditdomain.Entry{Action: "  "})
	assert.True(t, billingerror.Is(err, billingerror.KindValidation))
}

func TestAuditLogTxRollsBackWithCaller(t *testing.T) {
	svc, db, _ := newService(t)

	_ = db.Transaction(func(tx *gorm.DB) error {
		require.NoError(t, svc.AuditLogTx(context.Background(), tx, auditdomain.Entry{Action: "credits.granted"}))
		return assert.AnError
	})

	resp, err := svc.List(context.Background(), auditdomain.ListRequest{})
	require.NoError(t, err)
	assert.Empty(t, resp.AuditLogs)
}

func TestListPagesNewestFirst(t *testing.T) {
	svc, _, clk := newService(t)
	for _, action := range []string{"credits.granted", "credits.counter_repaired", "webhook_event.replayed"} {
		require.NoError(t, svc.AuditLog(context.Background(), auditdomain.Entry{Action: action}))
		clk.Advance(time.Minute)
	}

	first, err := svc.List(context.Background(), auditdomain.ListRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	assert.Equal(t, "webhook_event.replayed", first.AuditLogs[0].Action)
	require.NotEmpty(t, first.NextPageToken)

	second, err := svc.List(context.Background(), auditdomain.ListRequest{PageSize: 2, PageToken: first.NextPageToken})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	assert.Equal(t, "credits.granted", second.AuditLogs[0].Action)
	assert.Empty(t, second.NextPageToken)
}

func TestListValidatesInput(t *testing.T) {
	svc, _, _ := newService(t)
	start := time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	_, err := svc.List(context.Background(), auditdomain.ListRequest{StartAt: &start, EndAt: &end})
	assert.True(t, billingerror.Is(err, billingerror.KindValidation))

	_, err = svc.List(context.Background(), auditdomain.ListRequest{PageToken: "not-a-token"})
	assert.True(t, billingerror.Is(err, billingerror.KindValidation))
}
