package models

import (
	"strings"

	"golang.org/x/net/idna"
)

var htmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&#x27;",
	"/", "&#x2F;",
	`\`, "&#x5C;",
	"`", "&#96;",
)

// EscapeHTML replaces & < > " ' / \ and ` with HTML entities, so stored text
// is safe to render as-is.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// Provider domain groups whose local parts get folded.
var (
	gmailDomains   = map[string]bool{"gmail.com": true, "googlemail.com": true}
	outlookDomains = map[string]bool{"outlook.com": true, "hotmail.com": true, "live.com": true, "msn.com": true}
	icloudDomains  = map[string]bool{"icloud.com": true, "me.com": true, "mac.com": true}
	yahooDomains   = map[string]bool{"yahoo.com": true, "ymail.com": true, "rocketmail.com": true}
)

// NormalizeEmail lowercases an address, converts its domain to ASCII, and
// folds provider-specific aliases: dots and +tags for Gmail, +tags for
// Outlook and iCloud, -tags for Yahoo. Input without exactly one "@" is only
// lowercased.
func NormalizeEmail(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return address
	}
	local, domain := address[:at], address[at+1:]
	if ascii, err := idna.ToASCII(domain); err == nil {
		domain = ascii
	}
	folded := local
	switch {
	case gmailDomains[domain]:
		folded = strings.ReplaceAll(cutTag(local, "+"), ".", "")
		domain = "gmail.com"
	case outlookDomains[domain], icloudDomains[domain]:
		folded = cutTag(local, "+")
	case yahooDomains[domain]:
		if i := strings.LastIndex(local, "-"); i > 0 {
			folded = local[:i]
		}
	}
	if folded == "" {
		folded = local
	}
	return folded + "@" + domain
}

// cutTag drops everything from the first sep on.
func cutTag(local string, sep string) string {
	if i := strings.Index(local, sep); i >= 0 {
		return local[:i]
	}
	return local
}
