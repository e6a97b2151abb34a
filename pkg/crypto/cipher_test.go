package crypto

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/aegis/pkg/driver"
)

func testKey() []byte { return make([]byte, 32) }

func TestNewRejectsShortKeys(t *testing.T) {
	_, err := New([]byte("too short"))
	require.Error(t, err)

	_, err = New(testKey())
	require.NoError(t, err)
}

func TestProcessRoundTrip(t *testing.T) {
	c, err := New(testKey(), WithSensitiveFields("users", "email", "ssn"))
	require.NoError(t, err)
	ctx := context.Background()

	in := driver.Entity{
		"id":    "u1",
		"email": "alice@example.com",
		"ssn":   "123-45-6789",
		"name":  "Alice",
	}
	stored, err := c.ProcessForStorage(ctx, "users", in)
	require.NoError(t, err)

	assert.True(t, IsSealed(stored["email"]))
	assert.True(t, IsSealed(stored["ssn"]))
	assert.Equal(t, "Alice", stored["name"])
	assert.Equal(t, "alice@example.com", in["email"], "input is never mutated")

	opened, err := c.ProcessFromStorage(ctx, "users", stored)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", opened["email"])
	assert.Equal(t, "123-45-6789", opened["ssn"])
}

func TestProcessPreservesValueTypes(t *testing.T) {
	c, err := New(testKey(), WithSensitiveFields("accounts", "balance", "flags"))
	require.NoError(t, err)
	ctx := context.Background()

	in := driver.Entity{
		"balance": 1234.56,
		"flags":   []any{"a", "b"},
	}
	stored, err := c.ProcessForStorage(ctx, "accounts", in)
	require.NoError(t, err)
	opened, err := c.ProcessFromStorage(ctx, "accounts", stored)
	require.NoError(t, err)

	assert.Equal(t, 1234.56, opened["balance"])
	assert.Equal(t, []any{"a", "b"}, opened["flags"])
}

func TestTablesWithoutSensitiveFieldsPassThrough(t *testing.T) {
	c, err := New(testKey(), WithSensitiveFields("users", "email"))
	require.NoError(t, err)

	in := driver.Entity{"email": "x@y.z"}
	stored, err := c.ProcessForStorage(context.Background(), "orders", in)
	require.NoError(t, err)
	assert.Equal(t, "x@y.z", stored["email"])
}

func TestAlreadySealedFieldsAreNotDoubleSealed(t *testing.T) {
	c, err := New(testKey(), WithSensitiveFields("users", "email"))
	require.NoError(t, err)
	ctx := context.Background()

	once, err := c.ProcessForStorage(ctx, "users", driver.Entity{"email": "a@b.c"})
	require.NoError(t, err)
	twice, err := c.ProcessForStorage(ctx, "users", once)
	require.NoError(t, err)
	assert.Equal(t, once["email"], twice["email"])
}

func TestRotationKeepsOldEnvelopesReadable(t *testing.T) {
	c, err := New(testKey(), WithSensitiveFields("users", "email"))
	require.NoError(t, err)
	ctx := context.Background()

	old, err := c.ProcessForStorage(ctx, "users", driver.Entity{"email": "a@b.c"})
	require.NoError(t, err)

	kv, err := c.CreateNewVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, kv.Version)
	assert.True(t, kv.Current)

	fresh, err := c.ProcessForStorage(ctx, "users", driver.Entity{"email": "a@b.c"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fresh["email"].(string), "enc:v2:"))
	assert.True(t, strings.HasPrefix(old["email"].(string), "enc:v1:"))

	opened, err := c.ProcessFromStorage(ctx, "users", old)
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", opened["email"])
}

func TestVersionListing(t *testing.T) {
	c, err := New(testKey())
	require.NoError(t, err)
	ctx := context.Background()

	cur, err := c.CurrentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Version)

	_, err = c.CreateNewVersion(ctx)
	require.NoError(t, err)
	_, err = c.CreateNewVersion(ctx)
	require.NoError(t, err)

	all, err := c.Versions(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)

	var currents int
	for _, kv := range all {
		if kv.Current {
			currents++
			assert.Equal(t, 3, kv.Version)
		}
	}
	assert.Equal(t, 1, currents, "exactly one current generation")
}

func TestTableScopedGenerations(t *testing.T) {
	c, err := New(testKey(), WithSensitiveFields("users", "email"))
	require.NoError(t, err)
	ctx := context.Background()

	kv, err := c.CreateNewTableVersion(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 1, kv.Version)

	stored, err := c.ProcessForStorage(ctx, "users", driver.Entity{"email": "a@b.c"})
	require.NoError(t, err)
	opened, err := c.ProcessFromStorage(ctx, "users", stored)
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", opened["email"])

	cur, err := c.CurrentTableVersion(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Version)
}

func TestTamperedEnvelopeFailsToOpen(t *testing.T) {
	c, err := New(testKey(), WithSensitiveFields("users", "email"))
	require.NoError(t, err)
	ctx := context.Background()

	stored, err := c.ProcessForStorage(ctx, "users", driver.Entity{"email": "a@b.c"})
	require.NoError(t, err)

	sealed := stored["email"].(string)
	flipped := sealed[:len(sealed)-2] + "xx"
	tampered := driver.Entity{"email": flipped}

	_, err = c.ProcessFromStorage(ctx, "users", tampered)
	assert.Error(t, err)
}

func TestDifferentKeysCannotCrossRead(t *testing.T) {
	a, err := New(testKey(), WithSensitiveFields("users", "email"))
	require.NoError(t, err)
	other := make([]byte, 32)
	other[0] = 1
	b, err := New(other, WithSensitiveFields("users", "email"))
	require.NoError(t, err)
	ctx := context.Background()

	stored, err := a.ProcessForStorage(ctx, "users", driver.Entity{"email": "a@b.c"})
	require.NoError(t, err)
	_, err = b.ProcessFromStorage(ctx, "users", stored)
	assert.Error(t, err)
}

func TestIsSealed(t *testing.T) {
	assert.True(t, IsSealed("enc:v1:abc"))
	assert.False(t, IsSealed("plain"))
	assert.False(t, IsSealed(42))
	assert.False(t, IsSealed(nil))
}
