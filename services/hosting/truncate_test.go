package hosting

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateLogKeepsRunesWhole(t *testing.T) {
	// "é" is two bytes; the trailing byte puts the plain cut mid-rune.
	text := strings.Repeat("é", MaxLogChars) + "x"
	got := truncateLog(text)

	assert.True(t, strings.HasPrefix(got, truncatedPrefix))
	tail := strings.TrimPrefix(got, truncatedPrefix)
	assert.True(t, utf8.ValidString(tail))
	assert.LessOrEqual(t, len(tail), MaxLogChars)
	assert.Equal(t, strings.Repeat("é", MaxLogChars/2-1)+"x", tail)

	short := "hello\n"
	assert.Equal(t, short, truncateLog(short))
}
