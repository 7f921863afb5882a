package utils

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const serverIDFile = ".server_id"

var hostUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// GetPersistentServerID names this host in logs and realtime envelopes. In
// order of preference: the override, the id saved under storagePath, the
// sanitized hostname, then a random id that is saved for the next start.
func GetPersistentServerID(override, storagePath string) string {
	if override != "" {
		return override
	}

	idFile := filepath.Join(storagePath, serverIDFile)
	if data, err := os.ReadFile(idFile); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	if host, err := os.Hostname(); err == nil && host != "localhost" {
		if clean := hostUnsafe.ReplaceAllString(host, ""); clean != "" {
			return "azinbox-" + clean
		}
	}

	id := "azinbox-" + uuid.NewString()[:8]
	if err := os.MkdirAll(storagePath, 0o755); err == nil {
		err = os.WriteFile(idFile, []byte(id), 0o644)
		if err != nil {
			logrus.WithError(err).Warn("[APP] Could not persist server id")
		}
	}
	return id
}
