package binding

// Key is a totally ordered binding name. Order is lexicographic on the
// underlying bytes, the same ordering Go gives "<" on strings; FIRST and
// LAST are synthetic values below/above every real name.
type Key struct {
	name  string
	kind  keyKind
}

type keyKind uint8

const (
	kindReal keyKind = iota
	kindFirst
	kindLast
)

// First is less than every real Key. It is never stored as a cache entry.
var First = Key{kind: kindFirst}

// Last is greater than every real Key. Exactly one entry for Last exists in
// a Cache and it is never considered bound.
var Last = Key{kind: kindLast}

// NewKey wraps a name as a real, orderable Key.
func NewKey(name string) Key {
	return Key{name: name, kind: kindReal}
}

// String returns the underlying name, or "-inf"/"+inf" for the sentinels.
func (k Key) String() string {
	switch k.kind {
	case kindFirst:
		return "-inf"
	case kindLast:
		return "+inf"
	default:
		return k.name
	}
}

// IsSentinel reports whether k is First or Last rather than a real name.
func (k Key) IsSentinel() bool { return k.kind != kindReal }

// Less reports whether k sorts strictly before other.
func (k Key) Less(other Key) bool {
	if k.kind != other.kind {
		return k.kind == kindFirst || other.kind == kindLast
	}
	if k.kind != kindReal {
		return false // two sentinels of the same kind are equal, not less
	}
	return k.name < other.name
}

// Equal reports whether k and other denote the same binding name.
func (k Key) Equal(other Key) bool {
	return k.kind == other.kind && k.name == other.name
}

// indexValue returns the byte-comparable string go-memdb's StringFieldIndex
// sorts on. Sentinels map outside the byte range real names can occupy so
// that First always precedes, and Last always follows, every real key once
// inserted as an index value.
//
// Real names are stored verbatim; First is never inserted (it is never a
// cache entry, per invariant) and Last is represented with a single
// terminator byte (0xFF) that sorts after any name built from valid UTF-8,
// which never contains a lone 0xFF byte.
func (k Key) indexValue() string {
	switch k.kind {
	case kindLast:
		return "\xff"
	default:
		return k.name
	}
}
