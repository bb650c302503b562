package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Validation("cache.put", "unknown data type %q", "weather")
	wrapped := fmt.Errorf("handler: %w", base)

	assert.True(t, IsValidation(wrapped))
	assert.False(t, IsNotFound(wrapped))
	assert.Equal(t, KindValidation, KindOf(wrapped))
}

func TestConsolidationCarriesIDs(t *testing.T) {
	err := Consolidation("engine.consolidate", []string{"m1", "m2"}, errors.New("tx aborted"))

	assert.True(t, IsConsolidation(err))
	assert.Contains(t, err.Error(), "[m1,m2]")
	assert.Contains(t, err.Error(), "tx aborted")
}

func TestUnavailableUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Unavailable("graph.ingest", cause)

	assert.True(t, IsUnavailable(err))
	assert.ErrorIs(t, err, cause)
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}
