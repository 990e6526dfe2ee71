// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config loads and validates the tool configuration.
package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
)

// Default locations.
const (
	DefaultPath    = "/etc/sbkeyctl/config.yaml"
	DefaultEFIDir  = "/boot/efi"
	DefaultKeysDir = "/var/lib/sbkeyctl/keys"
)

// Config is the on-disk tool configuration.
type Config struct {
	// EFIDir is the mounted EFI system partition.
	EFIDir string `yaml:"efiDir"`

	// ToSign lists directories scanned for EFI images to sign; defaults to
	// the EFI system partition.
	ToSign []string `yaml:"toSign"`

	// KeysDir is the key storage root.
	KeysDir string `yaml:"keysDir"`

	// EnableOprom enrolls the vendor option ROM trust bundle alongside the
	// generated hierarchy.
	EnableOprom bool `yaml:"enableOprom"`

	// OpromURL is the download location of the vendor certificate.
	OpromURL string `yaml:"opromUrl"`

	// OpromSHA256 pins the vendor certificate contents. There is no default:
	// the operator vouches for the exact bytes being trusted.
	OpromSHA256 string `yaml:"opromSha256"`
}

// Default returns the configuration used when no file is present on disk.
func Default() *Config {
	return &Config{
		EFIDir:  DefaultEFIDir,
		KeysDir: DefaultKeysDir,
	}
}

// Load reads the configuration from path.
//
// A missing file at the default path falls back to defaults; a missing file
// at an explicitly requested path is ErrConfigMissing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if path == DefaultPath {
				return Default(), nil
			}

			return nil, fmt.Errorf("%w: %s", secureboot.ErrConfigMissing, path)
		}

		return nil, err
	}

	cfg := Default()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %s: %v", secureboot.ErrInvalidConfig, path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for internal consistency. All problems
// are reported at once.
func (cfg *Config) Validate() error {
	var result *multierror.Error

	if cfg.EFIDir == "" {
		result = multierror.Append(result, errors.New("efiDir must not be empty"))
	}

	if cfg.KeysDir == "" {
		result = multierror.Append(result, errors.New("keysDir must not be empty"))
	}

	if cfg.EnableOprom {
		if cfg.OpromURL == "" {
			result = multierror.Append(result, errors.New("enableOprom requires opromUrl"))
		} else if u, err := url.Parse(cfg.OpromURL); err != nil || u.Scheme == "" {
			result = multierror.Append(result, fmt.Errorf("opromUrl %q is not a valid URL", cfg.OpromURL))
		}

		// never fetch vendor trust material without a pin
		if cfg.OpromSHA256 == "" {
			result = multierror.Append(result, errors.New("enableOprom requires opromSha256"))
		} else if digest, err := hex.DecodeString(cfg.OpromSHA256); err != nil || len(digest) != sha256.Size {
			result = multierror.Append(result, fmt.Errorf("opromSha256 %q is not a hex-encoded SHA-256 digest", cfg.OpromSHA256))
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %v", secureboot.ErrInvalidConfig, err)
	}

	return nil
}

// SignTargets returns the directories to scan for EFI images, falling back
// to the EFI system partition.
func (cfg *Config) SignTargets() []string {
	if len(cfg.ToSign) > 0 {
		return cfg.ToSign
	}

	return []string{cfg.EFIDir}
}
