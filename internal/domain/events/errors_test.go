package events

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPermanent(t *testing.T) {
	base := errors.New("bad body")

	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))

	perm := Permanent(base)
	assert.True(t, IsPermanent(perm))
	assert.ErrorIs(t, perm, base)

	wrapped := fmt.Errorf("router: %w", perm)
	assert.True(t, IsPermanent(wrapped))
	assert.Same(t, wrapped, Permanent(wrapped), "already permanent errors are returned unchanged")
}
