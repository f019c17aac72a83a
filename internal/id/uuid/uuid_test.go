package uuid

import (
	"testing"

	goUUID "github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	id1, err := gen.NewID()
	require.NoError(t, err)
	id2, err := gen.NewID()
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	parsed, err := goUUID.Parse(id1)
	require.NoError(t, err)
	require.Equal(t, goUUID.Version(7), parsed.Version())
}

func TestGeneratorNewRawID(t *testing.T) {
	t.Parallel()

	gen := New()
	id, err := gen.NewRawID()
	require.NoError(t, err)
	require.NotEqual(t, goUUID.Nil, id)
	require.Equal(t, goUUID.Version(7), id.Version())
}

func TestGeneratorRawIDsAreTimeOrdered(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewRawID()
	require.NoError(t, err)
	second, err := gen.NewRawID()
	require.NoError(t, err)

	// UUID7 encodes a millisecond timestamp in the high bits; later IDs
	// never sort before earlier ones.
	require.LessOrEqual(t, first.String(), second.String())
}
