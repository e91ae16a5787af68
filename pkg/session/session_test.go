package session

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	id := New()
	require.False(t, id.IsZero())

	got, err := Parse(id.String())
	require.NoError(t, err)
	require.Equal(t, id, got)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not-a-session")
	require.Error(t, err)
	require.True(t, Nil.IsZero())
}

func TestNewIsUnique(t *testing.T) {
	require.NotEqual(t, New(), New())
}
