package files

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/guseggert/mediagate/internal/hashutil"
)

// Download fetches url and writes the body to dest, returning the number of bytes written.
// The body is written to a temporary file next to dest which is renamed into place once complete,
// so dest never holds a partial download.
func Download(ctx context.Context, client *http.Client, url, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("non-200 HTTP status code %d received when fetching %s", resp.StatusCode, url)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("creating destination dir: %w", err)
	}
	suffix, err := hashutil.RandomHex(4)
	if err != nil {
		return 0, err
	}
	tmp := dest + ".part-" + suffix
	f, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("creating temp file: %w", err)
	}

	n, err := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp)
		return n, fmt.Errorf("writing %s: %w", dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return n, fmt.Errorf("renaming into place: %w", err)
	}
	return n, nil
}
