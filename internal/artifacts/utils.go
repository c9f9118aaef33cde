package artifacts

import (
	"errors"
	"strings"
)

const fileScheme = "file://"

// PathFromURI strips the file:// scheme.
func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, fileScheme) {
		return "", errors.New("not a file:// URI")
	}
	return strings.TrimPrefix(uri, fileScheme), nil
}

// FileURI returns the file:// URI of path.
func FileURI(path string) string {
	return fileScheme + path
}
