package instance

import "strings"

// providerStates maps the gateway vocabulary onto the local one.
var providerStates = map[string]Status{
	"open":         StatusConnected,
	"connected":    StatusConnected,
	"connecting":   StatusConnecting,
	"pairing":      StatusConnecting,
	"qr":           StatusConnecting,
	"qrcode":       StatusConnecting,
	"created":      StatusCreating,
	"close":        StatusDisconnected,
	"closed":       StatusDisconnected,
	"disconnected": StatusDisconnected,
	"logout":       StatusDisconnected,
	"refused":      StatusFailed,
}

// MapProviderState translates a provider state word. Anything unrecognized is
// treated as failed.
func MapProviderState(state string) Status {
	if s, ok := providerStates[strings.ToLower(strings.TrimSpace(state))]; ok {
		return s
	}
	return StatusFailed
}

// Active reports whether the status counts toward the one-live-instance-per-user rule.
func (s Status) Active() bool {
	return s == StatusConnecting || s == StatusConnected
}
