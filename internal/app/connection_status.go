package app

import (
	"strings"

	"chatsync/internal/config"
	"chatsync/internal/connectors"
)

func TransportNameFromType(transport config.TransportType) string {
	switch transport {
	case config.TransportWebsocket:
		return "websocket"
	case config.TransportTCP:
		return "tcp"
	default:
		if value := strings.TrimSpace(string(transport)); value != "" {
			return value
		}
		return "unknown"
	}
}

func ConnectionTarget(cfg config.ConnectionConfig) string {
	switch cfg.Transport {
	case config.TransportWebsocket:
		return strings.TrimSpace(cfg.ServerURL)
	case config.TransportTCP:
		return strings.TrimSpace(cfg.TCPAddress)
	default:
		return ""
	}
}

// ConnectionStatusFromConfig derives the status shown before the first
// engine event arrives.
func ConnectionStatusFromConfig(cfg config.ConnectionConfig) connectors.ConnStatus {
	status := connectors.ConnStatus{
		State:         connectors.ConnectionStateDisconnected,
		TransportName: TransportNameFromType(cfg.Transport),
		Target:        ConnectionTarget(cfg),
	}
	if status.Target != "" {
		status.State = connectors.ConnectionStateConnecting
	}

	return status
}
