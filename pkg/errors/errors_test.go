package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_NilStaysNil(t *testing.T) {
	require.NoError(t, Wrap(nil, "ignored"))
}

func TestWrap_PrefixesAndKeepsChain(t *testing.T) {
	err := Wrap(ErrInvalidCredential, "negotiate upload")

	assert.Equal(t, "negotiate upload: invalid signed URL response", err.Error())
	assert.True(t, Is(err, ErrInvalidCredential))
	assert.False(t, Is(err, ErrCancelled))
}

type statusErr struct{ code int }

func (e *statusErr) Error() string { return fmt.Sprintf("status %d", e.code) }

func TestAs_FindsWrappedType(t *testing.T) {
	err := Wrap(&statusErr{code: 502}, "attach")

	var target *statusErr
	require.True(t, As(err, &target))
	assert.Equal(t, 502, target.code)
}
