package security

import (
	"strings"
	"unicode/utf8"
)

const (
	RedactedMarker  = "[REDACTED]"
	TruncatedMarker = "...[TRUNCATED]"
	MaxLoggedString = 1000
)

// sensitiveKeys сравниваются по подстроке без учета регистра
var sensitiveKeys = []string{
	"password", "passwd", "token", "secret", "api_key", "apikey", "api-key",
	"access_key", "private_key", "credential", "authorization", "cookie",
}

// IsSensitiveKey: ключ похож на секрет
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// SanitizeForLogging рекурсивно обходит объект: секретные ключи заменяются маркером,
// длинные строки обрезаются. Не-объекты (включая nil) возвращаются как есть.
// Исходное значение не модифицируется.
func SanitizeForLogging(v any) any {
	switch v.(type) {
	case map[string]any, map[string]string, []any, []string, []map[string]any:
		return sanitizeValue(v)
	default:
		return v
	}
}

// SanitizeMap: типизированный хелпер для context/metadata
func SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	return sanitizeValue(m).(map[string]any)
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if IsSensitiveKey(k) {
				out[k] = RedactedMarker
				continue
			}
			out[k] = sanitizeValue(item)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if IsSensitiveKey(k) {
				out[k] = RedactedMarker
				continue
			}
			out[k] = Truncate(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Truncate(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case string:
		return Truncate(val)
	default:
		return v
	}
}

// Truncate обрезает строку до MaxLoggedString байт, не разрывая символ UTF-8
func Truncate(s string) string {
	if len(s) <= MaxLoggedString {
		return s
	}
	n := MaxLoggedString
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + TruncatedMarker
}
