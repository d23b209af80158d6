package common

import (
	"testing"

	"github.com/levenlabs/go-lflag"
	"github.com/stretchr/testify/assert"
)

func TestFloatFlag(t *testing.T) {
	t.Run("Default", func(t *testing.T) {
		lflag.Reset()
		v := FloatFlag("rate", 8.5, "rate")
		lflag.Parse(lflag.SourceStub{})
		assert.Equal(t, 8.5, *v)
	})

	t.Run("Set", func(t *testing.T) {
		lflag.Reset()
		v := FloatFlag("rate", 8.5, "rate")
		i := FloatFlag("whole", 1, "whole")
		lflag.Parse(lflag.SourceStub{"rate": "12.25", "whole": "3"})
		assert.Equal(t, 12.25, *v)
		assert.Equal(t, 3.0, *i)
	})

	t.Run("Invalid", func(t *testing.T) {
		lflag.Reset()
		FloatFlag("rate", 8.5, "rate")
		assert.Panics(t, func() {
			lflag.Parse(lflag.SourceStub{"rate": "cheap"})
		})
	})
}
