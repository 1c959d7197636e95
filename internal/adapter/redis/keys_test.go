package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryKey(t *testing.T) {
	assert.Equal(t, queryKey("m", "cats"), queryKey("m", "cats"))
	assert.NotEqual(t, queryKey("m", "cats"), queryKey("n", "cats"))
	assert.NotEqual(t, queryKey("ab", "c"), queryKey("a", "bc"))
	assert.Len(t, queryKey("m", "cats"), len(queryKeyPrefix)+64)
}

func TestUnitKey(t *testing.T) {
	assert.Equal(t, "smara:asset:a1:pending", unitKey("a1"))
}
