package utils

import "log/slog"

const redacted = "[REDACTED]"

// Secret holds a credential. Its String and LogValue never reveal the value.
type Secret string

// Reveal returns the cleartext value.
func (s Secret) Reveal() string {
	return string(s)
}

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// GoString keeps %#v from printing the value.
func (s Secret) GoString() string {
	return s.String()
}

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value {
	return slog.StringValue(s.String())
}

// Mask replaces the value with a placeholder, leaving empty values empty.
func Mask(value string) string {
	return Secret(value).String()
}
