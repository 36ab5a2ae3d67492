package whatsapp

import "strings"

const (
	userServer   = "@s.whatsapp.net"
	legacyServer = "@c.us"
	groupServer  = "@g.us"
)

// IsGroupJID reports whether jid addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, groupServer)
}

// PhoneFromJID returns the bare digits of an individual JID, or "" when the JID
// is a group or does not carry a phone number.
func PhoneFromJID(jid string) string {
	if jid == "" || IsGroupJID(jid) {
		return ""
	}
	var user string
	switch {
	case strings.HasSuffix(jid, userServer):
		user = strings.TrimSuffix(jid, userServer)
	case strings.HasSuffix(jid, legacyServer):
		user = strings.TrimSuffix(jid, legacyServer)
	case !strings.Contains(jid, "@"):
		user = jid
	default:
		// @lid, @broadcast, @newsletter ... have no phone
		return ""
	}
	// multi-device JIDs look like 5511999999999:12@s.whatsapp.net
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	user = strings.TrimPrefix(user, "+")
	if user == "" {
		return ""
	}
	for _, r := range user {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return user
}

// DisplayPhone formats bare digits the way contact names fall back to them.
func DisplayPhone(digits string) string {
	if digits == "" {
		return ""
	}
	return "+" + digits
}
