package result

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureKindSurvivesWrapping(t *testing.T) {
	f := Errorf(NotFound, "profile.delete", "profile %d not found", 7)
	wrapped := fmt.Errorf("handler: %w", f)

	assert.Equal(t, NotFound, KindOf(wrapped))
	assert.Equal(t, Fatal, KindOf(errors.New("disk full")))
	assert.Contains(t, f.Error(), "profile 7 not found")
}

func TestResult(t *testing.T) {
	ok := Ok(3)
	require.True(t, ok.IsOk())
	v, err := ok.Unwrap()
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	bad := FromError[int]("ingest", Wrap(Integrity, "ingest.write", errors.New("FOREIGN KEY constraint failed")))
	require.False(t, bad.IsOk())
	assert.Equal(t, Integrity, bad.Err.Kind)

	plain := FromError[int]("ingest", errors.New("boom"))
	assert.Equal(t, Fatal, plain.Err.Kind)
	assert.Equal(t, "ingest", plain.Err.Op)
}
