package collabdb_errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInternal(t *testing.T) {
	cause := errors.New("disk full")
	err := Internal(cause)
	assert.True(t, errors.Is(err, ErrInternal))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), "disk full")

	assert.Same(t, err, Internal(err))
	assert.Nil(t, Internal(nil))

	err = Internalf("persistence is not found")
	assert.True(t, errors.Is(err, ErrInternal))
	assert.False(t, errors.Is(err, ErrDatabaseNotExist))
}
