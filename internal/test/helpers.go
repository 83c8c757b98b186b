package test

import (
	"path/filepath"
	"runtime"
)

// ProjectRoot returns the module root, two directories above this file.
func ProjectRoot() string {
	_, b, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(b), "../..")
}

// ProjectFile joins elem onto the module root, for fixtures shipped with the repo.
func ProjectFile(elem ...string) string {
	return filepath.Join(append([]string{ProjectRoot()}, elem...)...)
}
