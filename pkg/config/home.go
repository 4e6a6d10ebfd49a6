package config

import (
	"os"
	"path/filepath"
	"sync"
)

const envHome = "PAGECHECK_HOME"

var (
	homeOnce sync.Once
	homeDir  string
)

// GetHome returns the pagecheck home directory, which holds the cache of
// downloaded browser drivers.
//
// Resolution order:
//  1. $PAGECHECK_HOME
//  2. <home> when the binary is installed as <home>/bin/pagecheck
//  3. ~/.pagecheck
//  4. the working directory
func GetHome() string {
	homeOnce.Do(func() {
		homeDir = resolveHome()
	})
	return homeDir
}

// GetCacheDir returns <home>/cache.
func GetCacheDir() string {
	return filepath.Join(GetHome(), "cache")
}

// GetBrowsersDir returns <home>/cache/<driver>, where a browser driver keeps
// its downloaded binaries.
func GetBrowsersDir(driver string) string {
	return filepath.Join(GetCacheDir(), driver)
}

func resolveHome() string {
	if env := os.Getenv(envHome); env != "" {
		return env
	}
	if home := installHome(); home != "" {
		return home
	}
	if user, err := os.UserHomeDir(); err == nil && user != "" {
		return filepath.Join(user, ".pagecheck")
	}
	if cwd, err := os.Getwd(); err == nil {
		return cwd
	}
	return "."
}

// installHome returns the parent of the binary's bin directory, or "".
func installHome() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	bin := filepath.Dir(exe)
	if filepath.Base(bin) != "bin" {
		return ""
	}
	return filepath.Dir(bin)
}

// ResetHome clears the cached home directory. Tests call it after
// changing the environment.
func ResetHome() {
	homeOnce = sync.Once{}
	homeDir = ""
}
