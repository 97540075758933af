// Package util junta helpers chicos sin dependencias del dominio.
package util

import "strings"

// MaskEmail deja la primera letra del usuario y del dominio: "a…@e….com".
// Valores sin "@" se enmascaran con MaskSecret.
func MaskEmail(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	at := strings.IndexByte(s, '@')
	if at <= 0 {
		return MaskSecret(s)
	}
	user, dom := s[:at], s[at+1:]
	if len(user) > 1 {
		user = user[:1] + "…"
	}
	parts := strings.Split(dom, ".")
	if len(parts[0]) > 1 {
		parts[0] = parts[0][:1] + "…"
	}
	return user + "@" + strings.Join(parts, ".")
}

// MaskSecret conserva los 4 últimos caracteres de tokens y claves largas.
func MaskSecret(s string) string {
	switch n := len(s); {
	case n == 0:
		return ""
	case n <= 8:
		return "***"
	default:
		return "***" + s[n-4:]
	}
}
