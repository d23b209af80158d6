package common

import (
	"github.com/levenlabs/go-lflag"
)

// FloatFlag registers a float64 param with lflag. lflag has no float type so
// the value is read as JSON, which takes any plain number like "8.5".
func FloatFlag(name string, value float64, usage string) *float64 {
	v := new(float64)
	lflag.JSON(v, name, value, usage)
	return v
}
