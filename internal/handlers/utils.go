package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"unicode/utf8"
)

// maxUsernameLen bounds display names; longer names are cut.
const maxUsernameLen = 32

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// cleanUsername trims the client-supplied name and caps its length.
func cleanUsername(raw string) string {
	name := strings.TrimSpace(raw)
	if utf8.RuneCountInString(name) <= maxUsernameLen {
		return name
	}
	return string([]rune(name)[:maxUsernameLen])
}
