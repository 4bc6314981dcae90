// SPDX-FileCopyrightText: Copyright (C) 2025  The Mixlink Authors
// SPDX-License-Identifier: AGPL-3.0-only

package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Exists returns true iff the file f exists.  Errors other than the file
// not existing are returned.
func Exists(f string) (bool, error) {
	_, err := os.Stat(f)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// EnsureParentDir checks that the directory that will hold the file f
// exists and is a directory.
func EnsureParentDir(f string) error {
	dir := filepath.Dir(f)
	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("utils: parent directory of %q: %w", f, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("utils: %q is not a directory", dir)
	}
	return nil
}
