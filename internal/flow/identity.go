package flow

import "strings"

// Channel-specific JID suffixes stripped during identity normalization.
var jidSuffixes = []string{"@s.whatsapp.net", "@c.us", "@lid"}

// CanonicalPhone normalizes a channel identity to a bare phone-like
// identifier: JID suffixes and the device part after ':' are stripped.
func CanonicalPhone(jid string) string {
	if jid == "" {
		return ""
	}
	phone := jid
	for _, suffix := range jidSuffixes {
		phone = strings.TrimSuffix(phone, suffix)
	}
	if i := strings.IndexByte(phone, ':'); i >= 0 {
		phone = phone[:i]
	}
	return strings.TrimSpace(phone)
}
