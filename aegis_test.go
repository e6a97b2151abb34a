package aegis

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"goflare.io/aegis/backend/memory"
)

func newTestAegis(t *testing.T, opts ...Option) *Aegis {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	a, err := New(context.Background(), memory.NewStore(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestDefaultsWorkEndToEnd(t *testing.T) {
	a := newTestAegis(t)
	ctx := context.Background()

	created, err := a.Create(ctx, "users", Entity{"name": "Alice"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID())

	got, err := a.Read(ctx, "users", created.ID())
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["name"])

	stats := a.CacheStats()
	assert.Positive(t, stats.Sets)
}

func TestConsentFlowThroughFacade(t *testing.T) {
	a := newTestAegis(t,
		WithCompliance(true),
		WithConsentPurpose("create:users", "registration"),
	)
	ctx := WithActor(context.Background(), "alice")

	_, err := a.Create(ctx, "users", Entity{"name": "x"})
	var cerr *ConsentError
	require.ErrorAs(t, err, &cerr)

	require.NoError(t, a.GrantConsent(ctx, "alice", []string{"registration"}))
	created, err := a.Create(ctx, "users", Entity{"name": "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID())

	status, err := a.GetConsentStatus(ctx, "alice", "")
	require.NoError(t, err)
	require.Len(t, status, 1)
	assert.True(t, status[0].Granted)

	logs, err := a.GetAuditLogs(ctx, AuditQuery{UserID: "alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, logs)
}

func TestEncryptionOptionSealsConfiguredFields(t *testing.T) {
	backend := memory.NewStore()
	a, err := New(context.Background(), backend,
		WithLogger(zap.NewNop()),
		WithEncryptionKey(make([]byte, 32)),
		WithSensitiveFields("users", "email"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	ctx := context.Background()

	created, err := a.Create(ctx, "users", Entity{"email": "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", created["email"])

	raw, err := backend.Read(ctx, "users", created.ID())
	require.NoError(t, err)
	assert.NotEqual(t, "a@b.c", raw["email"])

	kv, err := a.RotateEncryptionKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, kv.Version)

	versions, err := a.EncryptionKeyVersions(ctx)
	require.NoError(t, err)
	assert.Len(t, versions, 2)

	got, err := a.Read(ctx, "users", created.ID())
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", got["email"], "old envelopes stay readable after rotation")
}

func TestEncryptionEnabledWithoutKeyFails(t *testing.T) {
	_, err := New(context.Background(), memory.NewStore(),
		WithLogger(zap.NewNop()),
		WithConfig(func(c *Config) { c.Compliance.EncryptionEnabled = true }),
	)
	assert.Error(t, err)
}

func TestSubjectRightsFlow(t *testing.T) {
	a := newTestAegis(t,
		WithUserDataTable("profiles", "id"),
		WithUserDataTable("posts", "authorId"),
	)
	ctx := context.Background()

	profile, err := a.Create(ctx, "profiles", Entity{"name": "Alice"})
	require.NoError(t, err)
	_, err = a.Create(ctx, "posts", Entity{"authorId": profile.ID(), "body": "hi"})
	require.NoError(t, err)

	export, err := a.ExportUserData(ctx, profile.ID())
	require.NoError(t, err)
	assert.Len(t, export["profiles"], 1)
	assert.Len(t, export["posts"], 1)

	n, err := a.DeleteUserData(ctx, profile.ID())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestQueueOptionDefersWrites(t *testing.T) {
	a := newTestAegis(t, WithQueue(16, 5*time.Millisecond))
	ctx := context.Background()

	created, err := a.Create(ctx, "users", Entity{"name": "Alice"})
	require.NoError(t, err)

	got, err := a.Read(ctx, "users", created.ID())
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["name"])
}

func TestWithoutCacheStillServesReads(t *testing.T) {
	a := newTestAegis(t, WithoutCache())
	ctx := context.Background()

	created, err := a.Create(ctx, "users", Entity{"name": "Alice"})
	require.NoError(t, err)
	got, err := a.Read(ctx, "users", created.ID())
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["name"])
	assert.False(t, a.GetCapabilities()["cache"])
}

func TestEventsOnFacade(t *testing.T) {
	a := newTestAegis(t)
	ctx := context.Background()

	var seen int
	sub := a.On(EventDataCreated, func(Event) { seen++ })
	_, err := a.Create(ctx, "users", Entity{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)

	a.Off(EventDataCreated, sub)
	_, err = a.Create(ctx, "users", Entity{"n": 2})
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
}

func TestBackupRestoreThroughFacade(t *testing.T) {
	a := newTestAegis(t)
	ctx := context.Background()

	created, err := a.Create(ctx, "users", Entity{"name": "Alice"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, a.Backup(ctx, &buf))

	b := newTestAegis(t)
	require.NoError(t, b.Restore(ctx, &buf))

	got, err := b.Read(ctx, "users", created.ID())
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["name"])
}

func TestMonitoringSurfaces(t *testing.T) {
	a := newTestAegis(t)
	ctx := context.Background()

	_, err := a.Create(ctx, "users", Entity{"n": 1})
	require.NoError(t, err)

	info, err := a.GetStorageInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "memory", info.Name)

	metrics, err := a.GetPerformanceMetrics(ctx)
	require.NoError(t, err)
	assert.Contains(t, metrics, "operations")

	cfg := a.GetConfiguration()
	assert.NotEmpty(t, cfg)

	status := a.GetStatus(ctx)
	assert.True(t, status.Healthy)
}

func TestValidatorOption(t *testing.T) {
	v := NewRuleValidator()
	v.Register("users", []FieldRule{{Field: "name", Required: true}})
	a := newTestAegis(t, WithValidator(v))

	_, err := a.Create(context.Background(), "users", Entity{"age": 3})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}
