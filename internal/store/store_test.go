package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airguard-gateway/internal/errs"
	"airguard-gateway/internal/packet"
)

type stepClock struct{ t time.Time }

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func openTestStore(t *testing.T) (*Store, *stepClock) {
	t.Helper()
	clk := &stepClock{t: time.Date(2025, 10, 6, 13, 25, 0, 0, time.UTC)}
	s, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "samples.db"),
		Now:  clk.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func samplePacket(id string, received time.Time) packet.Packet {
	return packet.Packet{
		BatchID:     id,
		SessionMs:   10342,
		SampleCount: 187,
		Lat:         packet.Float(33.88863),
		TempC:       packet.Float(28.1),
		GPSFix:      packet.Int(1),
		ReceivedTS:  received,
	}
}

func TestOpen_FailsOnMissingDirectory(t *testing.T) {
	_, err := Open(context.Background(), Config{
		Path: filepath.Join(t.TempDir(), "missing", "dir", "x.db"),
	})
	require.Error(t, err)
	assert.Equal(t, errs.StorageInit, errs.ClassOf(err))
	assert.True(t, errs.IsFatal(err))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	assert.True(t, errs.IsFatal(err))
}

func TestOpen_CreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.db")
	s, err := Open(context.Background(), Config{Path: path})
	require.NoError(t, err)
	defer s.Close()
	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestDeliver_DefaultsOptionalFields(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	recv := time.Date(2025, 10, 6, 13, 25, 23, 120_000_000, time.UTC)

	require.NoError(t, s.Deliver(ctx, samplePacket("5A17C2EF", recv)))

	row, err := s.Get(ctx, "5A17C2EF")
	require.NoError(t, err)
	assert.Equal(t, int64(10342), row.SessionMs)
	assert.Equal(t, int64(187), row.SampleCount)
	assert.InDelta(t, 33.88863, row.Lat, 1e-9)
	assert.Zero(t, row.Lon)
	assert.Zero(t, row.Sats)
	assert.Equal(t, int64(1), row.GPSFix)
	assert.True(t, recv.Equal(row.ReceivedTS))
	assert.Equal(t, row.CreatedAt, row.UpdatedAt)
}

func TestDeliver_SameBatchIDOverwrites(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 10, 6, 0, 0, 0, 0, time.UTC)

	first := samplePacket("AB12", t0)
	require.NoError(t, s.Deliver(ctx, first))

	second := samplePacket("AB12", t0.Add(time.Minute))
	second.SampleCount = 200
	second.Lat = nil
	second.Sats = packet.Int(9)
	require.NoError(t, s.Deliver(ctx, second))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	row, err := s.Get(ctx, "AB12")
	require.NoError(t, err)
	assert.Equal(t, int64(200), row.SampleCount)
	assert.Zero(t, row.Lat, "second write wins even for fields it did not report")
	assert.Equal(t, int64(9), row.Sats)
	assert.True(t, t0.Add(time.Minute).Equal(row.ReceivedTS))
	assert.True(t, row.UpdatedAt.After(row.CreatedAt))
}

func TestGet_NotFound(t *testing.T) {
	s, _ := openTestStore(t)
	_, err := s.Get(context.Background(), "FFFF")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListSince_OrderedAndLimited(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 10, 6, 12, 0, 0, 0, time.UTC)

	// Inserted out of order; fractional seconds exercise fixed-width ordering.
	require.NoError(t, s.Deliver(ctx, samplePacket("03", base.Add(3*time.Second))))
	require.NoError(t, s.Deliver(ctx, samplePacket("01", base.Add(500*time.Millisecond))))
	require.NoError(t, s.Deliver(ctx, samplePacket("02", base.Add(2*time.Second+5*time.Millisecond))))
	require.NoError(t, s.Deliver(ctx, samplePacket("00", base.Add(-time.Hour))))

	rows, err := s.ListSince(ctx, base, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "01", rows[0].BatchID)
	assert.Equal(t, "02", rows[1].BatchID)
	assert.Equal(t, "03", rows[2].BatchID)

	rows, err = s.ListSince(ctx, base, 2)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestClose_ThenDeliverFails(t *testing.T) {
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "c.db")})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	err = s.Deliver(context.Background(), samplePacket("01", time.Now()))
	require.Error(t, err)
	assert.True(t, errs.IsStorage(err))
	assert.False(t, errs.IsFatal(err))
}
