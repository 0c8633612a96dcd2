package utils

import (
	"strconv"
	"strings"
	"unsafe"
)

// BytesToString aliases b without copying. The result is only valid while
// b is neither modified nor reused.
func BytesToString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return *(*string)(unsafe.Pointer(&b))
}

// BuildKey joins parts with ':' after normalizing each part: trimmed,
// lowercased, inner whitespace collapsed to '-', and ':' replaced so a
// part never splits into two segments. Equal parts always give equal keys.
func BuildKey(parts ...interface{}) string {
	var sb strings.Builder
	for i, part := range parts {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(keyPart(part))
	}
	return sb.String()
}

func keyPart(part interface{}) string {
	switch v := part.(type) {
	case string:
		return NormalizeKeyPart(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	default:
		return NormalizeKeyPart(toString(v))
	}
}

func NormalizeKeyPart(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), "-")
	return strings.ReplaceAll(s, ":", "_")
}

func toString(v interface{}) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	b, err := Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
