package client

import (
	"io"
	"os"
	"path/filepath"
)

// OSSource resolves an upload's relative file paths against a local root
// directory, the non-browser equivalent of the picker-granted file handles
// uploads normally read from.
type OSSource struct {
	Root string
}

// Open implements transfer.UploadSource.
func (s OSSource) Open(path string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.Root, filepath.FromSlash(path)))
}
