package utils

import "strings"

// GitHub credential type prefixes, longest first.
var tokenPrefixes = []string{"github_pat_", "ghp_", "gho_", "ghu_", "ghs_", "ghr_"}

// MaskToken hides a GitHub credential for logs. The type prefix and, for long
// enough tokens, the last four characters stay visible so rotated tokens can
// be told apart.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}

	prefix, rest := "", token
	for _, p := range tokenPrefixes {
		if after, ok := strings.CutPrefix(token, p); ok {
			prefix, rest = p, after
			break
		}
	}
	if len(rest) < 16 {
		return prefix + "****"
	}
	return prefix + "****" + rest[len(rest)-4:]
}
