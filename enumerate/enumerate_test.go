package enumerate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListReturnsPortNamesOnly(t *testing.T) {
	names, err := List()
	require.NoError(t, err)
	for _, n := range names {
		assert.NotEmpty(t, n)
	}
}
