package logger

import "strings"

// RedactEmail masks a recipient address so logs never carry a full
// email. "alice.smith@example.com" becomes "al***@example.com"; local
// parts of two characters or fewer are masked entirely, and anything
// that is not a plain address becomes "***@***".
func RedactEmail(email string) string {
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return "***@***"
	}
	if len(local) <= 2 {
		return "***@" + domain
	}
	return local[:2] + "***@" + domain
}
