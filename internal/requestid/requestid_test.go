package requestid

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	ctx, id := New(context.Background())
	assert.NotEmpty(t, id)
	assert.Equal(t, id, FromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	id := FromContext(context.Background())
	assert.NotEmpty(t, id) // generates new UUID
}

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "test-123")
	assert.Equal(t, "test-123", FromContext(ctx))
}

func TestResolve_ReusesIncoming(t *testing.T) {
	ctx, id := Resolve(context.Background(), "upstream-42")
	assert.Equal(t, "upstream-42", id)
	assert.Equal(t, "upstream-42", FromContext(ctx))
}

func TestResolve_ReplacesInvalid(t *testing.T) {
	for _, incoming := range []string{"", "has space", "tab\there", strings.Repeat("x", 200)} {
		_, id := Resolve(context.Background(), incoming)
		assert.NotEqual(t, incoming, id)
		_, err := uuid.Parse(id)
		require.NoError(t, err, "generated id should be a UUID for %q", incoming)
	}
}
