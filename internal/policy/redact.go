// Package policy scrubs sensitive values from text that leaves the service
// boundary: failure reasons shown to owners and provider errors in logs.
package policy

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	emailPattern  = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	phonePattern  = regexp.MustCompile(`(?:\+?\d[\d()\-\s.]{7,}\d)`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/\-]+=*`)
	apiKeyPattern = regexp.MustCompile(`\b(?:sk|pk|key|xi)[-_][A-Za-z0-9_\-]{12,}\b`)
	secretParam   = regexp.MustCompile(`(?i)([?&](?:key|api_key|token|signature|x-amz-signature)=)[^&\s"]+`)
)

// Redact masks credentials first so that long numeric tokens inside them are
// not half-matched as phone or card numbers.
func Redact(value string) string {
	masked := bearerPattern.ReplaceAllString(value, "Bearer [token_redacted]")
	masked = apiKeyPattern.ReplaceAllString(masked, "[key_redacted]")
	masked = secretParam.ReplaceAllString(masked, "${1}[redacted]")
	masked = emailPattern.ReplaceAllString(masked, "[email_redacted]")
	masked = cardPattern.ReplaceAllStringFunc(masked, maskCardNumber)
	masked = phonePattern.ReplaceAllString(masked, "[phone_redacted]")
	return masked
}

// RedactJSON applies Redact to every string in a JSON document. Invalid JSON
// is treated as plain text.
func RedactJSON(payload json.RawMessage) json.RawMessage {
	if strings.TrimSpace(string(payload)) == "" {
		return append(json.RawMessage(nil), payload...)
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return json.RawMessage(Redact(string(payload)))
	}

	encoded, err := json.Marshal(redactValue(decoded))
	if err != nil {
		return append(json.RawMessage(nil), payload...)
	}
	return encoded
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		cloned := make(map[string]any, len(typed))
		for key, child := range typed {
			cloned[key] = redactValue(child)
		}
		return cloned
	case []any:
		cloned := make([]any, 0, len(typed))
		for _, child := range typed {
			cloned = append(cloned, redactValue(child))
		}
		return cloned
	case string:
		return Redact(typed)
	default:
		return value
	}
}

func maskCardNumber(value string) string {
	digits := make([]rune, 0, len(value))
	for _, char := range value {
		if char >= '0' && char <= '9' {
			digits = append(digits, char)
		}
	}
	if len(digits) < 8 {
		return "[card_redacted]"
	}
	return "**** **** **** " + string(digits[len(digits)-4:])
}
