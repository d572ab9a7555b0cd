package barepath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"/", "", false},
		{"a/b", "a/b", false},
		{"/a/b/", "a/b", false},
		{"a//b", "a/b", false},
		{"a/./b", "", true},
		{"a/../b", "", true},
	}
	for _, c := range cases {
		got, err := Normalize(c.in)
		if c.wantErr {
			require.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParent(t *testing.T) {
	assert.Equal(t, "", Parent("a"))
	assert.Equal(t, "a", Parent("a/b"))
	assert.Equal(t, "a/b", Parent("a/b/c"))
}

func TestHasPrefixDir(t *testing.T) {
	assert.True(t, HasPrefixDir("a/b", ""))
	assert.True(t, HasPrefixDir("a", "a"))
	assert.True(t, HasPrefixDir("a/b", "a"))
	assert.False(t, HasPrefixDir("ab", "a"))
}

func TestGlobScenario(t *testing.T) {
	pat, err := Compile("**/x*")
	require.NoError(t, err)

	paths := []string{"a/x1", "a/b/x2", "a/b/y3"}
	var matched []string
	for _, p := range paths {
		if pat.Match(p) {
			matched = append(matched, p)
		}
	}
	assert.Equal(t, []string{"a/x1", "a/b/x2"}, matched)
}

func TestGlobMiddleDoubleStar(t *testing.T) {
	pat, err := Compile("a/**/b")
	require.NoError(t, err)

	assert.True(t, pat.Match("a/b"))
	assert.True(t, pat.Match("a/x/b"))
	assert.True(t, pat.Match("a/x/y/b"))
	assert.False(t, pat.Match("a/x/c"))
}

func TestGlobPrefixBound(t *testing.T) {
	pat, err := Compile("a/b*.jpg")
	require.NoError(t, err)
	assert.Equal(t, "a/b", pat.Prefix)
}

func TestGlobBracket(t *testing.T) {
	pat, err := Compile("a/[bc].txt")
	require.NoError(t, err)
	assert.True(t, pat.Match("a/b.txt"))
	assert.True(t, pat.Match("a/c.txt"))
	assert.False(t, pat.Match("a/d.txt"))
}
