package pagination

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_StringParse(t *testing.T) {
	at := time.Date(2026, 2, 15, 10, 30, 0, 123456789, time.UTC)
	c := Cursor{At: at, ID: "risk_abc:123"}

	got, err := Parse(c.String())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, at.Equal(got.At))
	assert.Equal(t, "risk_abc:123", got.ID)
}

func TestParse_Empty(t *testing.T) {
	c, err := Parse("")
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"!!!", "bm9jb2xvbg", "YWJjOmlk", "MTIzOg"} {
		_, err := Parse(s)
		assert.ErrorIs(t, err, ErrInvalidCursor, s)
	}
}

func TestCursor_Before(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := Cursor{At: at, ID: "risk_m"}

	assert.True(t, c.Before(at.Add(-time.Second), "risk_z"))
	assert.False(t, c.Before(at.Add(time.Second), "risk_a"))
	assert.True(t, c.Before(at, "risk_a"))
	assert.False(t, c.Before(at, "risk_m"))
}

func TestSlice(t *testing.T) {
	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := func(n int) Cursor { return Cursor{At: at.Add(time.Duration(n) * time.Second), ID: "x"} }

	p := Slice([]int{5, 4, 3}, 2, key)
	assert.Equal(t, []int{5, 4}, p.Items)
	assert.True(t, p.HasMore)
	next, err := Parse(p.Next)
	require.NoError(t, err)
	assert.True(t, key(4).At.Equal(next.At))

	p = Slice([]int{5, 4}, 2, key)
	assert.False(t, p.HasMore)
	assert.Empty(t, p.Next)
}
