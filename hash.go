package brinbloom

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// HashFunc reduces a column value to a 32-bit hash. The filter never sees
// the original value — only this hash — so one filter layout serves every
// column type. The function must hash equal values identically regardless
// of the Go representation they arrive in (e.g. int vs int64 after a
// storage round trip).
type HashFunc func(value any) uint32

// TypeRegistry maps column type names to their hash functions. The
// registry is the capability the engine hands to the opclass at
// construction; there is no global dispatch table.
type TypeRegistry map[string]HashFunc

// DefaultTypeRegistry covers the built-in scalar types.
func DefaultTypeRegistry() TypeRegistry {
	return TypeRegistry{
		"int":    hashIntValue,
		"float":  hashFloatValue,
		"string": hashStringValue,
		"bytes":  hashBytesValue,
		"bool":   hashBoolValue,
	}
}

// hashBytes32 is the base 32-bit hash for all built-in types (FNV-1a).
func hashBytes32(b []byte) uint32 {
	h := fnv.New32a()
	h.Write(b)
	return h.Sum32()
}

func hashIntValue(value any) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], intBits(value))
	return hashBytes32(buf[:])
}

func hashFloatValue(value any) uint32 {
	f := floatOf(value)
	if f == 0 {
		f = 0 // fold -0.0 into +0.0 so the two hash alike
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
	return hashBytes32(buf[:])
}

func hashStringValue(value any) uint32 {
	s, _ := value.(string)
	return hashBytes32([]byte(s))
}

func hashBytesValue(value any) uint32 {
	b, _ := value.([]byte)
	return hashBytes32(b)
}

func hashBoolValue(value any) uint32 {
	if b, _ := value.(bool); b {
		return hashBytes32([]byte{1})
	}
	return hashBytes32([]byte{0})
}

// intBits widens any Go integer to its 64-bit two's-complement pattern, so
// int(7), int32(7) and int64(7) hash identically.
func intBits(value any) uint64 {
	switch v := value.(type) {
	case int:
		return uint64(int64(v))
	case int8:
		return uint64(int64(v))
	case int16:
		return uint64(int64(v))
	case int32:
		return uint64(int64(v))
	case int64:
		return uint64(v)
	case uint:
		return uint64(v)
	case uint8:
		return uint64(v)
	case uint16:
		return uint64(v)
	case uint32:
		return uint64(v)
	case uint64:
		return v
	}
	return 0
}

func floatOf(value any) float64 {
	switch v := value.(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// hashUint32Seeded derives a 64-bit seeded hash from a 32-bit value hash:
// FNV-1a over seed(4 LE) || value(4 LE). Both the construction and the two
// seed constants (bloomSeed1/bloomSeed2) are frozen by the on-disk format.
func hashUint32Seeded(value uint32, seed uint32) uint64 {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], seed)
	binary.LittleEndian.PutUint32(buf[4:8], value)
	h := fnv.New64a()
	h.Write(buf[:])
	return h.Sum64()
}

// valuesEqual is the recheck-side counterpart of the built-in hash
// functions: it compares two values under the same widening rules, so a
// row value that hashed equal to a scan argument also compares equal here.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return false // SQL semantics: null matches nothing
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case []byte:
		bv, ok := b.([]byte)
		return ok && string(av) == string(bv)
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float32, float64:
		switch b.(type) {
		case float32, float64:
			return floatOf(a) == floatOf(b)
		}
		return false
	default:
		if !isInteger(a) || !isInteger(b) {
			return false
		}
		return intBits(a) == intBits(b)
	}
}

func isInteger(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}
