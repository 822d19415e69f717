package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloat(t *testing.T) {
	assert.Equal(t, 40.123, Float("40.123"))
	assert.Equal(t, 0.0, Float("not-a-number"))
	assert.Equal(t, 0.0, Float(""))
}

func TestBool(t *testing.T) {
	assert.True(t, Bool("true"))
	assert.False(t, Bool("false"))
	assert.False(t, Bool("garbage"))
}

func TestHeading(t *testing.T) {
	t.Run("negative heading is unknown", func(t *testing.T) {
		assert.Nil(t, Heading("-1"))
	})

	t.Run("valid heading", func(t *testing.T) {
		h := Heading("217")
		if assert.NotNil(t, h) {
			assert.Equal(t, 217, *h)
		}
	})

	t.Run("malformed heading is unknown", func(t *testing.T) {
		assert.Nil(t, Heading("garbage"))
	})
}

func TestEpochMillis(t *testing.T) {
	t.Run("S3 prediction conversion", func(t *testing.T) {
		sec, nsec, ok := EpochMillis("1700000000000")
		assert.True(t, ok)
		assert.Equal(t, int64(1700000000), sec)
		assert.Equal(t, int64(0), nsec)
	})

	t.Run("malformed epoch", func(t *testing.T) {
		_, _, ok := EpochMillis("nope")
		assert.False(t, ok)
	})
}
