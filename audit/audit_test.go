package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"winspec-relay/message"
	"winspec-relay/middleware"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordAndRecent(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	session := middleware.Session{ID: "s1", Remote: "10.0.0.5:4000"}

	get := &message.Call{Kind: message.KindGet, Path: []string{"Wavelength"}}
	require.NoError(t, l.Record(ctx, session, get, message.Success(json.RawMessage(`500`)), 3*time.Millisecond))

	set := &message.Call{Kind: message.KindSet, Path: []string{"Detector", "TargetTemperature"}, Args: []json.RawMessage{[]byte(`-200`)}}
	failed := message.Failure(fmt.Errorf("%w: out of range", message.ErrInvalidArgument))
	require.NoError(t, l.Record(ctx, session, set, failed, time.Millisecond))

	entries, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	newest := entries[0]
	require.Equal(t, "Detector.TargetTemperature", newest.Path)
	require.Equal(t, message.KindSet, newest.Kind)
	require.False(t, newest.OK)
	require.Equal(t, message.CategoryInvalidArgument, newest.Category)
	require.Equal(t, "s1", newest.Session)
	require.Equal(t, "10.0.0.5:4000", newest.Remote)
	require.NotEmpty(t, newest.ID)

	oldest := entries[1]
	require.Equal(t, "Wavelength", oldest.Path)
	require.True(t, oldest.OK)
	require.Empty(t, oldest.Category)
	require.Equal(t, 3*time.Millisecond, oldest.Took)

	limited, err := l.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestDeleteOlderThan(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	call := &message.Call{Kind: message.KindGet, Path: []string{"Wavelength"}}
	ok := message.Success(json.RawMessage(`500`))

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now.Add(-48 * time.Hour) }
	require.NoError(t, l.Record(ctx, middleware.Session{}, call, ok, 0))
	l.now = func() time.Time { return now }
	require.NoError(t, l.Record(ctx, middleware.Session{}, call, ok, 0))

	n, err := l.DeleteOlderThan(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	entries, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, now, entries[0].At)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	call := &message.Call{Kind: message.KindCall, Path: []string{"AcquireSpectrum"}}
	require.NoError(t, l.Record(ctx, middleware.Session{ID: "a"}, call, message.Success(nil), time.Second))
	require.NoError(t, l.Close())

	l, err = Open(path)
	require.NoError(t, err)
	defer l.Close()
	entries, err := l.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, time.Second, entries[0].Took)
}
