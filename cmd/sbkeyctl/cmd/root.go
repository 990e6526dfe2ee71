// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the sbkeyctl command surface.
package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/firmwarekit/sbkeyctl/internal/pkg/config"
	"github.com/firmwarekit/sbkeyctl/internal/pkg/secureboot"
)

// Process exit codes; each error kind gets a distinct one so that callers
// can branch without parsing output.
const (
	exitOK = iota
	exitFailure
	exitAborted
	exitMissingKeyMaterial
	exitInvalidConfig
	exitFirmwareWrite
	exitNotPrivileged
	exitVerificationFailed
	exitChecksumMismatch
)

var rootCmd = &cobra.Command{
	Use:           "sbkeyctl",
	Short:         "Manage the UEFI Secure Boot trust chain: keys, enrollment and image signing",
	Long:          ``,
	SilenceErrors: true,
	SilenceUsage:  true,
}

var rootCmdFlags struct {
	configPath string
	debug      bool
	assumeYes  bool
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.configPath, "config", config.DefaultPath, "path to the configuration file")
	rootCmd.PersistentFlags().BoolVar(&rootCmdFlags.debug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&rootCmdFlags.assumeYes, "yes", false, "assume yes for all confirmation prompts")
}

// Execute runs the command surface and maps the error kind to a process exit
// code.
func Execute() int {
	err := rootCmd.Execute()
	if err != nil {
		// status already reported the state on stdout
		if errors.Is(err, errInactive) {
			return exitFailure
		}

		fmt.Fprintln(os.Stderr, err.Error())
	}

	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, secureboot.ErrAborted):
		return exitAborted
	case errors.Is(err, secureboot.ErrMissingKeyMaterial):
		return exitMissingKeyMaterial
	case errors.Is(err, secureboot.ErrConfigMissing), errors.Is(err, secureboot.ErrInvalidConfig):
		return exitInvalidConfig
	case errors.Is(err, secureboot.ErrFirmwareWrite):
		return exitFirmwareWrite
	case errors.Is(err, secureboot.ErrNotPrivileged):
		return exitNotPrivileged
	case errors.Is(err, secureboot.ErrVerificationFailed):
		return exitVerificationFailed
	case errors.Is(err, secureboot.ErrChecksumMismatch):
		return exitChecksumMismatch
	default:
		return exitFailure
	}
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	if rootCmdFlags.debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	return cfg.Build()
}

func loadConfig() (*config.Config, error) {
	return config.Load(rootCmdFlags.configPath)
}

// checkPrivileged gates commands which mutate the key store, firmware
// variables or boot assets.
func checkPrivileged(action string) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("%w: %s", secureboot.ErrNotPrivileged, action)
	}

	return nil
}

// confirmExact builds a confirmation function demanding the exact token to
// be typed back. --yes pre-confirms for automation; a non-terminal stdin
// without --yes aborts rather than hanging.
func confirmExact(token string) secureboot.ConfirmFunc {
	return func(prompt string) (bool, error) {
		if rootCmdFlags.assumeYes {
			fmt.Fprintf(os.Stderr, "%s\nconfirmed via --yes\n", prompt)

			return true, nil
		}

		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return false, fmt.Errorf("%w: confirmation required but stdin is not a terminal (pass --yes to pre-confirm)", secureboot.ErrAborted)
		}

		fmt.Fprintf(os.Stderr, "%s\ntype %q to proceed: ", prompt, token)

		choice, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil {
			return false, err
		}

		return strings.TrimSpace(choice) == token, nil
	}
}
