// Package crypto provides field-level encryption for stored entities.
// Values are sealed with ChaCha20-Poly1305 under per-version keys derived
// from a single master key, so key rotation never requires re-encrypting
// existing records.
package crypto

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"goflare.io/aegis/pkg/driver"
)

// envelopePrefix marks an encrypted field value: "enc:v<version>:<base64>".
const envelopePrefix = "enc:v"

// MinKeyLen is the minimum master key length.
const MinKeyLen = 32

// FieldCipher encrypts the configured sensitive fields of entities on
// their way to storage and decrypts them on the way back. It implements
// driver.EncryptionService.
type FieldCipher struct {
	master []byte

	// sensitive maps table -> field names to protect. Tables absent
	// from the map pass through untouched.
	sensitive map[string][]string

	mu            sync.RWMutex
	versions      []driver.KeyVersion
	tableVersions map[string][]driver.KeyVersion
}

// Option configures a FieldCipher.
type Option func(*FieldCipher)

// WithSensitiveFields registers the fields to encrypt for a table.
func WithSensitiveFields(table string, fields ...string) Option {
	return func(c *FieldCipher) {
		c.sensitive[table] = append(c.sensitive[table], fields...)
	}
}

// New creates a FieldCipher from a master key of at least MinKeyLen
// bytes. One initial key version is created.
func New(masterKey []byte, opts ...Option) (*FieldCipher, error) {
	if len(masterKey) < MinKeyLen {
		return nil, fmt.Errorf("master key must be at least %d bytes, got %d", MinKeyLen, len(masterKey))
	}

	c := &FieldCipher{
		master:        append([]byte(nil), masterKey...),
		sensitive:     make(map[string][]string),
		tableVersions: make(map[string][]driver.KeyVersion),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.versions = []driver.KeyVersion{{Version: 1, CreatedAt: time.Now(), Current: true}}
	return c, nil
}

// deriveKey expands the master key into a per-version subkey. The info
// string binds the subkey to its version (and table, for table-scoped
// keys) so versions can never collide.
func (c *FieldCipher) deriveKey(scope string, version int) ([]byte, error) {
	info := []byte("aegis/" + scope + "/v" + strconv.Itoa(version))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, nil, info), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func (c *FieldCipher) seal(scope string, version int, plaintext []byte) (string, error) {
	key, err := c.deriveKey(scope, version)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return envelopePrefix + strconv.Itoa(version) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *FieldCipher) open(scope, envelope string) ([]byte, error) {
	rest := strings.TrimPrefix(envelope, envelopePrefix)
	sep := strings.IndexByte(rest, ':')
	if sep < 0 {
		return nil, fmt.Errorf("malformed envelope")
	}
	version, err := strconv.Atoi(rest[:sep])
	if err != nil {
		return nil, fmt.Errorf("malformed envelope version: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(rest[sep+1:])
	if err != nil {
		return nil, fmt.Errorf("malformed envelope payload: %w", err)
	}

	key, err := c.deriveKey(scope, version)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("envelope too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

// IsSealed reports whether a value carries the encryption envelope.
func IsSealed(v any) bool {
	s, ok := v.(string)
	return ok && strings.HasPrefix(s, envelopePrefix)
}

// ProcessForStorage returns a copy of the entity with its sensitive
// fields sealed under the current key version. Already-sealed values are
// left as is, so re-saving a partially decrypted record is safe.
func (c *FieldCipher) ProcessForStorage(ctx context.Context, table string, entity driver.Entity) (driver.Entity, error) {
	fields := c.sensitive[table]
	if len(fields) == 0 || entity == nil {
		return entity, nil
	}

	scope, version := c.scopeFor(table)

	out := entity.Clone()
	for _, field := range fields {
		v, ok := out[field]
		if !ok || v == nil || IsSealed(v) {
			continue
		}
		plaintext, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", field, err)
		}
		sealed, err := c.seal(scope, version, plaintext)
		if err != nil {
			return nil, fmt.Errorf("seal field %q: %w", field, err)
		}
		out[field] = sealed
	}
	return out, nil
}

// ProcessFromStorage returns a copy of the entity with every sealed
// field opened. Fields sealed under older key versions decrypt via their
// recorded version.
func (c *FieldCipher) ProcessFromStorage(ctx context.Context, table string, entity driver.Entity) (driver.Entity, error) {
	if entity == nil {
		return nil, nil
	}
	scope, _ := c.scopeFor(table)

	out := entity.Clone()
	for field, v := range out {
		if !IsSealed(v) {
			continue
		}
		plaintext, err := c.open(scope, v.(string))
		if err != nil {
			return nil, fmt.Errorf("open field %q: %w", field, err)
		}
		var decoded any
		if err := json.Unmarshal(plaintext, &decoded); err != nil {
			return nil, fmt.Errorf("decode field %q: %w", field, err)
		}
		out[field] = decoded
	}
	return out, nil
}

// scopeFor picks the key scope and current version for a table:
// table-scoped keys when the table has its own generations, the global
// scope otherwise.
func (c *FieldCipher) scopeFor(table string) (string, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if versions := c.tableVersions[table]; len(versions) > 0 {
		return "table/" + table, currentOf(versions)
	}
	return "global", currentOf(c.versions)
}

func currentOf(versions []driver.KeyVersion) int {
	for _, v := range versions {
		if v.Current {
			return v.Version
		}
	}
	return versions[len(versions)-1].Version
}

// CreateNewVersion rotates the global key.
func (c *FieldCipher) CreateNewVersion(ctx context.Context) (driver.KeyVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.versions = rotate(c.versions)
	return c.versions[len(c.versions)-1], nil
}

// Versions lists the global key generations.
func (c *FieldCipher) Versions(ctx context.Context) ([]driver.KeyVersion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]driver.KeyVersion(nil), c.versions...), nil
}

// CurrentVersion returns the active global key generation.
func (c *FieldCipher) CurrentVersion(ctx context.Context) (driver.KeyVersion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return find(c.versions, currentOf(c.versions)), nil
}

// CreateNewTableVersion rotates (or starts) the table-scoped key. Once a
// table has its own generations, its fields no longer use the global key.
func (c *FieldCipher) CreateNewTableVersion(ctx context.Context, table string) (driver.KeyVersion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableVersions[table] = rotate(c.tableVersions[table])
	versions := c.tableVersions[table]
	return versions[len(versions)-1], nil
}

// TableVersions lists the table's key generations.
func (c *FieldCipher) TableVersions(ctx context.Context, table string) ([]driver.KeyVersion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]driver.KeyVersion(nil), c.tableVersions[table]...), nil
}

// CurrentTableVersion returns the table's active key generation, falling
// back to the global one when the table has none.
func (c *FieldCipher) CurrentTableVersion(ctx context.Context, table string) (driver.KeyVersion, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if versions := c.tableVersions[table]; len(versions) > 0 {
		return find(versions, currentOf(versions)), nil
	}
	return find(c.versions, currentOf(c.versions)), nil
}

func rotate(versions []driver.KeyVersion) []driver.KeyVersion {
	next := 1
	for i := range versions {
		versions[i].Current = false
		if versions[i].Version >= next {
			next = versions[i].Version + 1
		}
	}
	return append(versions, driver.KeyVersion{Version: next, CreatedAt: time.Now(), Current: true})
}

func find(versions []driver.KeyVersion, version int) driver.KeyVersion {
	for _, v := range versions {
		if v.Version == version {
			return v
		}
	}
	return driver.KeyVersion{}
}
