package kevsched

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Event_EqualityByFDPair(t *testing.T) {
	t.Parallel()

	a := EventIOReceive(5, -1, "a")
	b := EventIOReceive(5, -1, "b")
	assert.True(t, a.Equal(&b), "same fd/correlation should compare equal regardless of source")

	c := EventIOReceive(6, -1, "c")
	assert.False(t, a.Equal(&c))
}

func Test_Event_TimerIdentityOnly(t *testing.T) {
	t.Parallel()

	a := EventTime(1_000_000, nil)
	b := EventTime(1_000_000, nil)
	assert.False(t, a.Equal(&b), "timers compare identity only, not duration")
	assert.True(t, a.Equal(&a))
}

func Test_Event_HashConsistentWithEqual(t *testing.T) {
	t.Parallel()

	a := EventFSDelta("/tmp/x", -1, nil)
	b := EventFSDelta("/tmp/x", -1, nil)
	require.True(t, a.Equal(&b))
	assert.Equal(t, a.Hash(), b.Hash())
}

func Test_Event_CyclicDefaults(t *testing.T) {
	t.Parallel()

	assert.True(t, KindTime.CyclicDefault())
	assert.False(t, KindProcessExit.CyclicDefault())
	assert.False(t, KindMetaActuate.CyclicDefault())
}

func Test_Event_AllowsCyclicOverride(t *testing.T) {
	t.Parallel()

	assert.False(t, KindProcessExit.AllowsCyclicOverride())
	assert.False(t, KindNever.AllowsCyclicOverride())
	assert.True(t, KindTime.AllowsCyclicOverride())
}

func Test_Event_CloseReleasesResourceOnce(t *testing.T) {
	t.Parallel()

	e := EventFSStatus("/tmp", 999999, nil) // bogus fd; we only check state, not the syscall result
	assert.Equal(t, 999999, e.Resource())
	_ = e.Close()
	assert.Equal(t, -1, e.Resource())
	assert.NoError(t, e.Close(), "Close on an already-closed Event is a no-op")
}

func Test_NewEventByName(t *testing.T) {
	t.Parallel()

	e, err := NewEventByName("meta_actuate", nil)
	require.NoError(t, err)
	assert.Equal(t, KindMetaActuate, e.Kind())

	_, err = NewEventByName("bogus", nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}
