package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"root", "/", ""},
		{"double_root", "//", ""},
		{"dot", ".", ""},

		{"simple", "foo", "foo"},
		{"leading_slash", "/foo", "foo"},
		{"trailing_slash", "foo/", "foo"},
		{"nested", "/foo/bar/baz/", "foo/bar/baz"},

		{"dot_middle", "foo/./bar", "foo/bar"},
		{"dotdot_middle", "/foo/../bar", "bar"},
		{"many_slashes", "///foo///bar///", "foo/bar"},

		// nothing escapes the mount root
		{"dotdot", "..", ""},
		{"dotdot_prefix", "../foo", "foo"},
		{"dotdot_deep", "/a/../../etc/passwd", "etc/passwd"},

		{"control_file", "/.cachefs_control", ".cachefs_control"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, NormalizePath(tt.input), "NormalizePath(%q)", tt.input)
		})
	}
}

func TestJoinPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"", "a"}, "a"},
		{[]string{"/", "a"}, "a"},
		{[]string{"a/b", "c"}, "a/b/c"},
		{[]string{"a", "..", "b"}, "b"},
		{nil, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, JoinPath(tt.parts...), "JoinPath(%q)", tt.parts)
	}
}

func TestBaseName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", BaseName("/"))
	assert.Equal(t, "c.txt", BaseName("/a/b/c.txt"))
	assert.Equal(t, "b", BaseName("a/b/"))
}
