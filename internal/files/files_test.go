package files

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombine(t *testing.T) {
	cases := []struct {
		base   string
		addend string
		exp    string
	}{
		{base: "/srv/data", addend: "/etc/passwd", exp: "/etc/passwd"},
		{base: "/srv/data", addend: "out/img.png", exp: "/srv/data/out/img.png"},
		{base: "/srv/data/", addend: "img.png", exp: "/srv/data/img.png"},
		{base: `C:\data`, addend: "sub", exp: `C:\data\sub`},
		{base: `C:\data`, addend: `D:\other`, exp: `D:\other`},
		{base: `C:\data`, addend: `\root`, exp: `\root`},
		{base: "C:/data", addend: "sub", exp: "C:/data/sub"},
		{base: "/srv", addend: "", exp: "/srv"},
		{base: "", addend: "rel", exp: "rel"},
	}
	for _, c := range cases {
		t.Run(c.base+"+"+c.addend, func(t *testing.T) {
			assert.Equal(t, c.exp, Combine(c.base, c.addend))
		})
	}
}

func TestContentType(t *testing.T) {
	cases := map[string]string{
		"out/image.PNG":       "image/png",
		"clip.webm":           "video/webm",
		"voice.wav":           "audio/wav",
		"meta.json":           "application/json",
		"model.safetensors":   DefaultContentType,
		"README":              DefaultContentType,
		`C:\renders\cat.jpeg`: "image/jpeg",
	}
	for path, exp := range cases {
		assert.Equal(t, exp, ContentType(path), path)
	}
}

func TestFindUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b", "c")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "mediagate.toml"), nil, 0o644))

	assert.Equal(t, filepath.Join(root, "a", "mediagate.toml"), FindUp("mediagate.toml", nested))
	assert.Equal(t, "", FindUp("does-not-exist.toml", nested))
}

func TestDownload(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("weights"))
	}))
	t.Cleanup(s.Close)

	dest := filepath.Join(t.TempDir(), "models", "w.bin")
	n, err := Download(context.Background(), s.Client(), s.URL+"/w.bin", dest)
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
	b, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(b))

	missing := filepath.Join(t.TempDir(), "x.bin")
	_, err = Download(context.Background(), s.Client(), s.URL+"/missing", missing)
	require.ErrorContains(t, err, "404")
	_, err = os.Stat(missing)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}
