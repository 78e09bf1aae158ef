// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/R0M-GH/reapergt-app/internal/config"
	"github.com/R0M-GH/reapergt-app/internal/log"
	"github.com/R0M-GH/reapergt-app/internal/secrets"
)

// PerformStartupChecks validates the environment before the daemon starts.
// Failures here abort startup; a half-configured poller is worse than none.
func PerformStartupChecks(ctx context.Context, cfg config.Config, sec secrets.Store) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Str("event", "startup.checks_begin").Msg("running pre-flight checks")

	if err := checkDataDir(logger, cfg.DataDir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}
	if err := checkRegistrarURL(cfg.OscarBaseURL); err != nil {
		return fmt.Errorf("registrar URL check failed: %w", err)
	}
	if err := checkSecrets(logger, sec); err != nil {
		return fmt.Errorf("secret check failed: %w", err)
	}

	logger.Info().Str("event", "startup.checks_passed").Msg("all pre-flight checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(path, 0o750); mkErr != nil {
				return fmt.Errorf("cannot create data directory %s: %w", path, mkErr)
			}
			logger.Info().Str("path", path).Str("event", "startup.datadir_created").Msg("created data directory")
			info, err = os.Stat(path)
			if err != nil {
				return err
			}
		} else {
			return err
		}
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", path, err)
	}
	_ = os.Remove(testFile)
	return nil
}

func checkRegistrarURL(base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", base)
	}
	return nil
}

// checkSecrets verifies the SMS key is present. The VAPID pair is optional;
// its absence only disables the push channel.
func checkSecrets(logger zerolog.Logger, sec secrets.Store) error {
	if _, err := sec.Get(secrets.KeySMSAPIKey); err != nil {
		return fmt.Errorf("required secret %s: %w", secrets.KeySMSAPIKey, err)
	}
	if _, err := sec.Get(secrets.KeyVAPIDPrivateKey); err != nil {
		logger.Info().Str("event", "startup.push_disabled").Msg("no VAPID keypair, push channel disabled")
	}
	return nil
}
