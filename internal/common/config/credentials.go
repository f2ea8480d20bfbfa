package config

import (
	"os"

	"go.uber.org/zap"
)

// ResolveDriveCredentials resolves the object-storage service-account key
// file once at startup. Configured paths are tried in order, then the path
// named by the configured environment variable. Returns the first path that
// exists, or "" when none does (the remote backend stays unconfigured and
// artifacts are stored locally only).
func ResolveDriveCredentials(cfg DriveStorageConfig, log *zap.Logger) string {
	for _, path := range cfg.CredentialPaths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			log.Info("Resolved drive credentials from file",
				zap.String("path", path))
			return path
		}
	}

	if cfg.CredentialEnv != "" {
		if path := os.Getenv(cfg.CredentialEnv); path != "" {
			if _, err := os.Stat(path); err == nil {
				log.Info("Resolved drive credentials from environment",
					zap.String("env", cfg.CredentialEnv),
					zap.String("path", path))
				return path
			}
			log.Warn("Credential path from environment does not exist",
				zap.String("env", cfg.CredentialEnv),
				zap.String("path", path))
		}
	}

	log.Info("No drive credentials resolved, remote artifact backend disabled")
	return ""
}
