package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type countingLookup struct {
	owners map[string]string
	err    error
	calls  int
}

func (l *countingLookup) GetAPIKey(_ context.Context, key string) (string, error) {
	l.calls++
	return l.owners[key], l.err
}

func TestValidate_StaticKeys(t *testing.T) {
	a := NewAuthenticator([]string{"k1", ""}, nil, time.Minute, discard)

	assert.True(t, a.Enabled())
	assert.True(t, a.Validate(context.Background(), "k1"))
	assert.False(t, a.Validate(context.Background(), "k2"))
	assert.False(t, a.Validate(context.Background(), ""))
}

func TestValidate_CachesLookups(t *testing.T) {
	lookup := &countingLookup{owners: map[string]string{"parent-key": "family-1"}}
	a := NewAuthenticator(nil, lookup, time.Minute, discard)
	clock := time.Date(2025, 2, 3, 10, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return clock }

	assert.True(t, a.Validate(context.Background(), "parent-key"))
	assert.True(t, a.Validate(context.Background(), "parent-key"))
	assert.Equal(t, 1, lookup.calls)

	clock = clock.Add(2 * time.Minute)
	assert.True(t, a.Validate(context.Background(), "parent-key"))
	assert.Equal(t, 2, lookup.calls, "expired entries are looked up again")

	assert.False(t, a.Validate(context.Background(), "stranger"))
}

func TestValidate_LookupError(t *testing.T) {
	lookup := &countingLookup{err: errors.New("redis down")}
	a := NewAuthenticator(nil, lookup, time.Minute, discard)
	assert.False(t, a.Validate(context.Background(), "any"))
}

func TestEnabled(t *testing.T) {
	assert.False(t, NewAuthenticator(nil, nil, time.Minute, discard).Enabled())
}
