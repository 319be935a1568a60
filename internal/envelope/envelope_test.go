package envelope

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedSourceIsDeterministic(t *testing.T) {
	a, b := NewFixed(), NewFixed()
	ea, eb := a.Envelope("lattice"), b.Envelope("lattice")
	assert.Equal(t, ea, eb)
	assert.Equal(t, Epoch, ea.Timestamp)
	assert.Equal(t, int64(1), ea.Seq)
	assert.Equal(t, int64(2), a.Envelope("lattice").Seq)

	assert.NotEqual(t, ea.TraceID, NewFixed().Envelope("txn").TraceID)
}

func TestLiveSourceStampsWallTime(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	l := &Live{clock: NewClock(), now: func() time.Time { return base.Add(1500 * time.Millisecond) }, start: base}

	env := l.Envelope("lattice")
	assert.Equal(t, int64(1500), env.WallTimeMS)
	assert.Equal(t, "2026-01-02T03:04:06.5Z", env.Timestamp)
	assert.Len(t, env.TraceID, 36)
}

func TestEncodeSplit(t *testing.T) {
	env := NewFixed().Envelope("w")
	enc, err := Encode(env)
	require.NoError(t, err)

	data := append(enc, []byte("BST1rest")...)
	got, rest, err := Split(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)
	assert.Equal(t, "BST1rest", string(rest))
}

func TestSplitRejectsTruncation(t *testing.T) {
	_, _, err := Split([]byte{5})
	assert.Error(t, err)
	_, _, err = Split([]byte{9, 0, '{', '}'})
	assert.Error(t, err)
}

func TestClock(t *testing.T) {
	c := NewClockAt(41)
	assert.Equal(t, int64(42), c.Next())
	assert.Equal(t, int64(42), c.Current())
}
