// Package platform provides the minimal filesystem primitives the cache
// core depends on: file-existence checks and directory creation. The
// original design treats these as an external platform abstraction; there
// is no third-party replacement for them in the retrieval pack (os.Stat
// and os.MkdirAll are already the idiomatic Go way the rest of this
// module's ancestry touches the filesystem), so they stay on the standard
// library.
package platform

import "os"

// FileExists reports whether path exists and is statable. Errors other
// than "not exists" (e.g. permission denied) are treated as absent, since
// the cache core only ever needs a boolean.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Mkdir creates path and any missing parents.
func Mkdir(path string) error {
	return os.MkdirAll(path, 0755)
}
