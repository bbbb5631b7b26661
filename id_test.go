package conductor

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id1 := NewID()
	id2 := NewID()

	parsed, err := uuid.Parse(id1)
	require.NoError(t, err)
	require.EqualValues(t, 7, parsed.Version())
	require.NotEqual(t, id1, id2, "two IDs should be unique")
}

func TestNowUnixMonotonicNonDecreasing(t *testing.T) {
	a := NowUnix()
	b := NowUnix()
	require.LessOrEqual(t, a, b)
}
