package fieldcodec

import "sort"

// Bundle is a set of named plaintext values sealed together, such as a
// profile or a contact block. Empty values are omitted when sealing.
type Bundle map[string]string

// Sealed is the persisted form of a Bundle.
type Sealed map[string]Blob

// SealBundle encodes every non-empty value of b.
func (c *Codec) SealBundle(b Bundle) (Sealed, error) {
	if len(b) == 0 {
		return nil, nil
	}
	out := make(Sealed, len(b))
	for name, value := range b {
		blob, err := c.Encode(value)
		if err != nil {
			return nil, err
		}
		if blob.IsAbsent() {
			continue
		}
		out[name] = blob
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// OpenBundle decodes every blob of s. A field that fails to decode is left
// out of the result and its name is reported in degraded, sorted.
// OpenBundle never fails as a whole.
func (c *Codec) OpenBundle(s Sealed) (b Bundle, degraded []string) {
	return c.OpenGroup("", s)
}

// OpenGroup is OpenBundle for a named group of fields. Decode failures name
// the field as "<group>.<name>"; degraded still lists bare names.
func (c *Codec) OpenGroup(group string, s Sealed) (b Bundle, degraded []string) {
	if len(s) == 0 {
		return nil, nil
	}
	b = make(Bundle, len(s))
	for name, blob := range s {
		field := name
		if group != "" {
			field = group + "." + name
		}
		value, err := c.DecodeField(field, blob)
		if err != nil {
			degraded = append(degraded, name)
			continue
		}
		if value != "" {
			b[name] = value
		}
	}
	sort.Strings(degraded)
	return b, degraded
}

// Encrypter is the subset of Codec used by the domain services.
type Encrypter interface {
	Encode(plaintext string) (Blob, error)
	Decode(blob Blob) (string, error)
	DecodeField(field string, blob Blob) (string, error)
	SealBundle(b Bundle) (Sealed, error)
	OpenBundle(s Sealed) (Bundle, []string)
	OpenGroup(group string, s Sealed) (Bundle, []string)
}

var _ Encrypter = (*Codec)(nil)
