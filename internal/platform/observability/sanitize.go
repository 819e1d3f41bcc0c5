package observability

import "unicode"

const defaultFieldLimit = 256

// scrub strips control characters (keeping whitespace) and caps the length,
// so attacker-controlled values cannot inject log lines or bloat entries.
func scrub(value string, limit int) string {
	if limit <= 0 {
		limit = defaultFieldLimit
	}

	out := make([]rune, 0, len(value))
	for _, r := range value {
		switch {
		case r == '\n', r == '\r', r == '\t':
			out = append(out, r)
		case unicode.IsControl(r):
			// drop
		default:
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return string(out)
}

// SanitizeRoute cleans a route path for logging.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return scrub(route, 180)
}

// SanitizeMethod cleans an HTTP method for logging.
func SanitizeMethod(method string) string {
	return scrub(method, 10)
}

// SanitizeUserID caps user identifiers logged alongside requests.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return scrub(uid, 64)
}
