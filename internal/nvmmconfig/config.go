// Package nvmmconfig holds the environment settings recognized by the
// memory manager: the backing filesystem root, the namespace prefix
// inserted into every shelf filename, and the device page size used for
// alignment. Loading is deliberately a plain struct with env-var defaults,
// not a YAML config loader.
package nvmmconfig

import (
	"os"
	"strconv"

	"golang.org/x/sys/unix"
)

const (
	envShelfBase = "NVMM_SHELF_BASE"
	envShelfUser = "NVMM_SHELF_USER"
	envPageSize  = "NVMM_PAGE_SIZE"

	defaultShelfBase = "/dev/shm"
	defaultShelfUser = "nvmm"
)

// Config is the environment the memory manager runs under.
type Config struct {
	// ShelfBase is the absolute path of the backing filesystem root.
	ShelfBase string
	// ShelfUser is the namespace prefix inserted into every shelf filename.
	ShelfUser string
	// PageSize is the device page size used to round shelf truncations.
	PageSize int
}

// FromEnv builds a Config from NVMM_SHELF_BASE, NVMM_SHELF_USER, and
// NVMM_PAGE_SIZE, falling back to platform defaults for any unset variable.
func FromEnv() Config {
	cfg := Config{
		ShelfBase: defaultShelfBase,
		ShelfUser: defaultShelfUser,
		PageSize:  unix.Getpagesize(),
	}
	if v := os.Getenv(envShelfBase); v != "" {
		cfg.ShelfBase = v
	}
	if v := os.Getenv(envShelfUser); v != "" {
		cfg.ShelfUser = v
	}
	if v := os.Getenv(envPageSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PageSize = n
		}
	}
	return cfg
}

// RootShelfPath returns "<base>/<user>_NVMM_ROOT".
func (c Config) RootShelfPath() string {
	return c.ShelfBase + "/" + c.ShelfUser + "_NVMM_ROOT"
}

// EpochShelfPath returns "<base>/<user>_NVMM_EPOCH".
func (c Config) EpochShelfPath() string {
	return c.ShelfBase + "/" + c.ShelfUser + "_NVMM_EPOCH"
}

// ShelfPath returns "<base>/<user>_NVMM_Shelf_<pool>_<shelf>".
func (c Config) ShelfPath(pool, shelf uint8) string {
	return c.ShelfBase + "/" + c.ShelfUser + "_NVMM_Shelf_" +
		strconv.Itoa(int(pool)) + "_" + strconv.Itoa(int(shelf))
}

// AlignToPage rounds n up to the next multiple of PageSize.
func (c Config) AlignToPage(n uint64) uint64 {
	ps := uint64(c.PageSize)
	return (n + ps - 1) &^ (ps - 1)
}
