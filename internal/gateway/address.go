package gateway

import "strings"

const (
	// UserServer is the address domain of individual WhatsApp accounts.
	UserServer      = "s.whatsapp.net"
	statusBroadcast = "status@broadcast"
)

// NormalizeAddress turns a bare phone number into a full protocol address.
// Values that already carry a domain are returned trimmed and unchanged.
func NormalizeAddress(raw string) string {
	addr := strings.TrimSpace(raw)
	if addr == "" {
		return ""
	}
	if strings.Contains(addr, "@") {
		return addr
	}
	addr = strings.TrimPrefix(addr, "+")
	return addr + "@" + UserServer
}

// SenderFromAddress strips the individual-account domain and any device
// suffix, leaving the phone number the bot engine keys conversations on.
func SenderFromAddress(addr string) string {
	user, server, found := strings.Cut(addr, "@")
	if !found || server != UserServer {
		return addr
	}
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}

func isStatusBroadcast(chat string) bool {
	return chat == statusBroadcast
}

// preview bounds a message body for logging.
func preview(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
