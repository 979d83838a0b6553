package main

import (
	"errors"
	"os"
	"runtime"
)

// UserStateDir returns the root directory for user-specific state data,
// which the `os` package does not provide. On Unix it follows the XDG base
// directory spec: $XDG_STATE_HOME if non-empty, else $HOME/.local/state. On
// other systems it falls back to os.UserConfigDir. Callers should create an
// application-specific subdirectory within it.
func UserStateDir() (string, error) {
	var dir string

	switch runtime.GOOS {
	case "windows", "darwin", "ios", "plan9":
		return os.UserConfigDir()
	default: // Unix, as UserConfigDir
		dir = os.Getenv("XDG_STATE_HOME")
		if dir == "" {
			dir = os.Getenv("HOME")
			if dir == "" {
				return "", errors.New("neither $XDG_STATE_HOME nor $HOME are defined")
			}
			dir += "/.local/state"
		}
	}

	return dir, nil
}
