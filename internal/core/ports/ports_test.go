package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FirstFree Tests
// =============================================================================

func TestFirstFree_NoBusyPorts(t *testing.T) {
	got, err := FirstFree(nil, 50560, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{50560, 50561, 50562}, got)
}

func TestFirstFree_SkipsBusyPorts(t *testing.T) {
	busy := map[int]struct{}{50560: {}, 50562: {}}

	got, err := FirstFree(busy, 50560, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{50561, 50563, 50564}, got)
}

func TestFirstFree_ZeroCount(t *testing.T) {
	got, err := FirstFree(nil, 50560, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NotNil(t, got)
}

func TestFirstFree_Exhausted(t *testing.T) {
	busy := map[int]struct{}{65534: {}}

	_, err := FirstFree(busy, 65534, 2)
	assert.ErrorIs(t, err, ErrResourceExhausted)
}

func TestFirstFree_UsesLastPort(t *testing.T) {
	got, err := FirstFree(nil, MaxPort, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{MaxPort}, got)
}

func TestNext(t *testing.T) {
	tests := []struct {
		name   string
		rented []uint16
		floor  int
		want   int
	}{
		{name: "empty keeps floor", rented: nil, floor: 100, want: 100},
		{name: "one past max", rented: []uint16{105, 103}, floor: 100, want: 106},
		{name: "floor above rented", rented: []uint16{50}, floor: 100, want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Next(tt.rented, tt.floor))
		})
	}
}

// =============================================================================
// SerialRenter Tests
// =============================================================================

func TestSerialRenter_Consecutive(t *testing.T) {
	r := NewSerialRenter(40000)

	first, err := r.Rent("db", 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{40000, 40001}, first)

	second, err := r.Rent("cache", 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{40002, 40003, 40004}, second)
}

func TestSerialRenter_DefaultStart(t *testing.T) {
	r := NewSerialRenter(0)

	got, err := r.Rent("db", 1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{DynamicPortStart}, got)
}

func TestSerialRenter_Exhausted(t *testing.T) {
	r := NewSerialRenter(65534)

	_, err := r.Rent("db", 3)
	assert.ErrorIs(t, err, ErrResourceExhausted)

	// A failed rental does not move the cursor.
	got, err := r.Rent("db", 2)
	require.NoError(t, err)
	assert.Equal(t, []uint16{65534, 65535}, got)
}

func TestSerialRenter_DistinctAndAboveFloor(t *testing.T) {
	var r Renter = NewSerialRenter(30000)

	last := 29999
	for i := 1; i <= 5; i++ {
		got, err := r.Rent("svc", i)
		require.NoError(t, err)
		require.Len(t, got, i)

		seen := map[uint16]bool{}
		for _, p := range got {
			assert.Greater(t, int(p), last)
			assert.False(t, seen[p])
			seen[p] = true
		}
		last = Next(got, last) - 1
	}
}
