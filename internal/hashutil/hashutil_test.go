package hashutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloSHA256 = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestSHA256(t *testing.T) {
	assert.Equal(t, helloSHA256, SHA256Hex([]byte("hello")))

	sum, n, err := SHA256Reader(strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, sum)
	assert.EqualValues(t, 5, n)

	path := filepath.Join(t.TempDir(), "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))
	sum, n, err = SHA256File(path)
	require.NoError(t, err)
	assert.Equal(t, helloSHA256, sum)
	assert.EqualValues(t, 5, n)
}

func TestRandomHex(t *testing.T) {
	a, err := RandomHex(16)
	require.NoError(t, err)
	b, err := RandomHex(16)
	require.NoError(t, err)
	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
