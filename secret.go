package pgsession

const redacted = "***REDACTED***"

// Secret wraps a value — a password, a private key, anything that must
// never end up in a log line or a struct dump by accident. Reveal is the
// only way back to the real value, so a reader can grep for where a
// secret actually gets used.
type Secret[T any] struct {
	value T
}

func NewSecret[T any](v T) Secret[T] { return Secret[T]{value: v} }

func (s Secret[T]) Reveal() T { return s.value }

func (s Secret[T]) String() string              { return redacted }
func (s Secret[T]) GoString() string            { return redacted }
func (s Secret[T]) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }
