package color

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var hexColor = regexp.MustCompile(`^#[0-9A-F]{6}$`)

func TestForUser_Stable(t *testing.T) {
	a := ForUser("user-42")
	b := ForUser("user-42")

	assert.Equal(t, a, b)
	assert.Regexp(t, hexColor, a)
}

func TestForUser_DiffersAcrossUsers(t *testing.T) {
	assert.NotEqual(t, ForUser("alice"), ForUser("bob"))
}

func TestHSLToRGB_Gray(t *testing.T) {
	r, g, b := hslToRGB(120, 0, 0.5)
	assert.Equal(t, r, g)
	assert.Equal(t, g, b)
}
