package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeName(t *testing.T) {
	require.Equal(t, "mrsmith", NormalizeName("  Mr \n Smith\t"))
}

func TestMatchName(t *testing.T) {
	require.True(t, MatchName("Patient: Mr. Smith", []string{"smith"}))
	require.False(t, MatchName("Ms. Jones", []string{"smith"}))
}

func TestClosestMatch(t *testing.T) {
	candidates := []string{"Mr. Smith", "Ms. Jones"}

	match, _, ok := ClosestMatch("mr smith", candidates, 0.85)
	require.True(t, ok)
	require.Equal(t, "Mr. Smith", match)

	_, _, ok = ClosestMatch("completely unrelated", candidates, 0.85)
	require.False(t, ok)

	_, _, ok = ClosestMatch("  ", candidates, 0.85)
	require.False(t, ok)
}
