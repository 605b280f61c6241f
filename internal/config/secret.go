package config

import "strconv"

// redacted replaces credential values on every formatting path.
const redacted = "[REDACTED]"

// Secret holds a credential, such as the gateway bearer secret, that must
// never appear in logs or dumped configuration.
type Secret string

// masked returns the display form: empty secrets stay empty so optional
// fields don't render as redacted, anything else becomes the marker.
func (s Secret) masked() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) String() string {
	return s.masked()
}

// GoString redacts the value under %#v.
func (s Secret) GoString() string {
	return strconv.Quote(s.masked())
}

// MarshalYAML redacts the value when the resolved config is written back out.
func (s Secret) MarshalYAML() (interface{}, error) {
	return s.masked(), nil
}

// MarshalJSON redacts unconditionally; JSON output is never round-tripped
// back into a Config, so there is nothing to preserve.
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(redacted)), nil
}

// Reveal returns the raw credential for the few call sites that hand it to
// an authenticator. Keeping the conversion behind a named method makes those
// sites searchable.
func (s Secret) Reveal() string {
	return string(s)
}
