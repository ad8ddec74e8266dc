// Package tiledb reads slice arrays stored as dense TileDB arrays, one array
// per name under a slice directory, with a single attribute "v".
//
// TileDB support needs the native library and is only compiled in with
// -tags tiledb; other builds get a stub whose reads return ErrUnsupported.
package tiledb

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ValueAttribute is the attribute holding the array values.
const ValueAttribute = "v"

var (
	// ErrUnsupported indicates this binary was built without TileDB support.
	ErrUnsupported = errors.New("tiledb support is not enabled in this build (build server with: go build -tags tiledb)")
)

// ResolveGroupPath cleans a slice directory path and expands environment variables.
func ResolveGroupPath(basePath string) (string, error) {
	p := strings.TrimSpace(basePath)
	if p == "" {
		return "", errors.New("empty tiledb path")
	}
	return filepath.Clean(os.ExpandEnv(p)), nil
}

// hasArray reports whether dir/name looks like a TileDB array.
func hasArray(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name, "__schema"))
	return err == nil
}
