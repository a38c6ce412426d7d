//go:build windows

package memo

import "os"

// Windows has no flock; the single-daemon assumption makes the drain safe
// enough without it.
func lockFile(_ *os.File) error { return nil }

func unlockFile(_ *os.File) error { return nil }
