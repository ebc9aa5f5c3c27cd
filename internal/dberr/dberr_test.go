package dberr

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMarks(t *testing.T) {
	err := errors.Wrapf(NotFoundf("object %s", "x"), "load")
	require.True(t, errors.Is(err, ErrNotFound))
	require.False(t, errors.Is(err, ErrCorruption))
	require.Contains(t, err.Error(), "load: object x")

	err = Corruptionf("dangling link %d", 7)
	require.True(t, IsCorruption(err))
	require.Equal(t, err, Report(zap.NewNop().Sugar(), "test", err))

	require.True(t, errors.Is(LockTimeoutf("t"), ErrLockTimeout))
	require.True(t, errors.Is(Rangef("r"), ErrRange))
	require.True(t, errors.Is(Validationf("v"), ErrValidation))
	require.True(t, errors.Is(KeyExistsf("k"), ErrKeyExists))
	require.True(t, errors.Is(ConcurrentModificationf("c"), ErrConcurrentModification))
}
