package runbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertToRawURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{
			in:   "https://github.com/org/runbooks/blob/main/errors.md",
			want: "https://raw.githubusercontent.com/org/runbooks/refs/heads/main/errors.md",
		},
		{
			in:   "https://www.github.com/org/runbooks/blob/main/dir/errors.md",
			want: "https://raw.githubusercontent.com/org/runbooks/refs/heads/main/dir/errors.md",
		},
		{
			in:   "https://raw.githubusercontent.com/org/runbooks/refs/heads/main/errors.md",
			want: "https://raw.githubusercontent.com/org/runbooks/refs/heads/main/errors.md",
		},
		{
			in:   "https://example.com/runbooks/errors.md",
			want: "https://example.com/runbooks/errors.md",
		},
		{
			in:   "https://github.com/org/runbooks",
			want: "https://github.com/org/runbooks",
		},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ConvertToRawURL(tc.in), tc.in)
	}
}

func TestValidateURL(t *testing.T) {
	require.NoError(t, ValidateURL("https://github.com/org/runbooks/blob/main/errors.md", []string{"github.com"}))
	require.NoError(t, ValidateURL("https://www.github.com/org/r/blob/main/x.md", []string{"github.com"}))
	require.NoError(t, ValidateURL("http://anything.example.com/x.md", nil))

	err := ValidateURL("ftp://github.com/runbook.md", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid scheme")

	err = ValidateURL("https://attacker.example.com/x.md", []string{"github.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in allowed list")
}
