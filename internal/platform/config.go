// Copyright (c) The GoTEE authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package platform

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/coreos/go-semver/semver"

	"github.com/rstenvi/arm64-tee/mem"
)

// Config is the Secure Monitor configuration, loaded from a TOML file.
type Config struct {
	// Board selects the platform description.
	Board string `toml:"board"`
	// Dispatcher selects the firmware calling convention (tsp, optee).
	Dispatcher string `toml:"dispatcher"`
	// Version is the semantic version reported to the Normal World.
	Version string `toml:"version"`
	// SecureSize overrides the secure DRAM size of the board.
	SecureSize uint64 `toml:"secure_size"`
	// NonSecureSize overrides the Normal World RAM size of the board.
	NonSecureSize uint64 `toml:"nonsecure_size"`
	// SSH is the console listening address.
	SSH string `toml:"ssh"`
	// Applets lists the applets to register, in call order.
	Applets []string `toml:"applets"`
}

// DefaultConfig returns the QEMU configuration.
func DefaultConfig() *Config {
	return &Config{
		Board:         QEMU.Name,
		Dispatcher:    "optee",
		Version:       "0.1.0",
		SecureSize:    QEMU.SecureDRAM.Size,
		NonSecureSize: QEMU.NonSecure.Size,
		SSH:           "127.0.0.1:2222",
		Applets:       []string{"storage"},
	}
}

// LoadConfig decodes a configuration file over the defaults, an empty path
// returns the defaults.
func LoadConfig(path string) (c *Config, err error) {
	c = DefaultConfig()

	if path == "" {
		return
	}

	md, err := toml.DecodeFile(path, c)

	if err != nil {
		return nil, fmt.Errorf("could not load %s, %v", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown configuration keys %v", undecoded)
	}

	if err = c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s, %v", path, err)
	}

	return
}

// ParseConfig decodes configuration text over the defaults.
func ParseConfig(data string) (c *Config, err error) {
	c = DefaultConfig()

	md, err := toml.Decode(data, c)

	if err != nil {
		return nil, err
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown configuration keys %v", undecoded)
	}

	return c, c.Validate()
}

// Validate checks the configuration consistency.
func (c *Config) Validate() (err error) {
	b, err := Lookup(c.Board)

	if err != nil {
		return
	}

	if _, err = c.Semver(); err != nil {
		return
	}

	switch {
	case c.SecureSize == 0 || c.SecureSize%mem.PageSize != 0:
		return fmt.Errorf("secure_size %#x must be a non-zero page multiple", c.SecureSize)
	case c.SecureSize > b.SecureDRAM.Size:
		return fmt.Errorf("secure_size %#x exceeds %s secure DRAM (%#x)", c.SecureSize, b.Name, b.SecureDRAM.Size)
	case c.NonSecureSize == 0 || c.NonSecureSize%mem.PageSize != 0:
		return fmt.Errorf("nonsecure_size %#x must be a non-zero page multiple", c.NonSecureSize)
	case c.NonSecureSize > b.NonSecure.Size:
		return fmt.Errorf("nonsecure_size %#x exceeds %s RAM (%#x)", c.NonSecureSize, b.Name, b.NonSecure.Size)
	}

	return
}

// Semver returns the parsed Version.
func (c *Config) Semver() (*semver.Version, error) {
	v, err := semver.NewVersion(c.Version)

	if err != nil {
		return nil, fmt.Errorf("invalid version %q, %v", c.Version, err)
	}

	return v, nil
}

// Platform returns the configured board.
func (c *Config) Platform() (*Board, error) {
	return Lookup(c.Board)
}
