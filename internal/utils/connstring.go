package utils

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
)

// ExtractServerNameFromConnectionString extracts the server name from a
// connection string. Localhost and IP addresses are replaced with the
// machine's hostname so lock names stay meaningful across hosts. File-based
// connection strings (SQLite) fall back to the hostname as well.
func ExtractServerNameFromConnectionString(connectionString string) (string, error) {
	u, err := url.Parse(connectionString)
	if err != nil || u.Host == "" {
		hostname, hostErr := os.Hostname()
		if hostErr != nil {
			return "", fmt.Errorf("failed to get hostname: %w", hostErr)
		}
		return strings.ToLower(hostname), nil
	}

	serverName := strings.Split(u.Host, ".")[0]
	serverName = strings.Split(serverName, ":")[0] // Remove port if present
	if strings.ToLower(serverName) == "localhost" || net.ParseIP(serverName) != nil {
		hostname, err := os.Hostname()
		if err != nil {
			return "", fmt.Errorf("failed to get hostname: %w", err)
		}
		serverName = hostname
	}

	return strings.ToLower(serverName), nil
}
