package logger

import "strings"

// RedactEmail masks an address before it reaches the logs, keeping at
// most the first two characters of the local part. Anything that does
// not look like an address is masked entirely.
func RedactEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "***@***"
	}
	local, domain := email[:at], email[at+1:]
	if len(local) > 2 {
		return local[:2] + "***@" + domain
	}
	return "***@" + domain
}
