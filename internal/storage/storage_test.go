package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "rig.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok, "absent key must not be an error")

			require.NoError(t, s.Set(ctx, "k", []byte("v1")))
			require.NoError(t, s.Set(ctx, "k", []byte("v2")))

			value, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "v2", string(value))

			require.NoError(t, s.Delete(ctx, "k"))
			require.NoError(t, s.Delete(ctx, "k"), "deleting twice is fine")

			_, ok, err = s.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_JSONHelpers(t *testing.T) {
	ctx := context.Background()

	type record struct {
		At    time.Time `json:"at"`
		Value int       `json:"value"`
	}

	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			var got []record
			ok, err := GetJSON(ctx, s, KeyGlucoseHistory, &got)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.Nil(t, got)

			at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			require.NoError(t, SetJSON(ctx, s, KeyGlucoseHistory, []record{{At: at, Value: 120}}))

			ok, err = GetJSON(ctx, s, KeyGlucoseHistory, &got)
			require.NoError(t, err)
			require.True(t, ok)
			require.Len(t, got, 1)
			assert.True(t, got[0].At.Equal(at))
			assert.Equal(t, 120, got[0].Value)
		})
	}
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rig.db")

	s1, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s1.Set(ctx, KeyTransmitterID, []byte(`"8G1234"`)))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	value, ok, err := s2.Get(ctx, KeyTransmitterID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"8G1234"`, string(value))
}

func TestMemoryStore_ValueIsCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'x'

	value, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(value))
}
