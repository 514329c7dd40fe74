package hashfunction

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-faster/city"
	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
)

type HashFunctionType int

/* Pre-defined hash functions */
const (
	HashFunctionMurmur = HashFunctionType(0)
	HashFunctionCity   = HashFunctionType(1)
)

var (
	errUnknownValueType = func(v any, hf HashFunctionType) error {
		return fmt.Errorf("unknown type of value that the hash will be calculated from: %T for %s hash type", v, ToString(hf))
	}
)

// EncodeUInt64 encodes an integer key as a varint padded to 8 bytes.
// Values that do not fit 56 bits use the full varint width.
func EncodeUInt64(input uint64) []byte {
	const ENCODING_BYTES_BIG = binary.MaxVarintLen64
	const ENCODING_BYTES = 8
	const BOUND = 1 << 56 /* 72057594037927936 */

	sz := ENCODING_BYTES
	if input >= BOUND {
		sz = ENCODING_BYTES_BIG
	}

	buf := make([]byte, sz)
	binary.PutUvarint(buf, input)
	return buf
}

// EncodeKey turns a routing key value into the bytes that get hashed.
// The encoding is stable across restarts and architectures.
func EncodeKey(input any) ([]byte, error) {
	switch v := input.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	case int:
		return EncodeUInt64(uint64(v)), nil
	case int32:
		return EncodeUInt64(uint64(v)), nil
	case int64:
		return EncodeUInt64(uint64(v)), nil
	case uint:
		return EncodeUInt64(uint64(v)), nil
	case uint32:
		return EncodeUInt64(uint64(v)), nil
	case uint64:
		return EncodeUInt64(v), nil
	case uuid.UUID:
		return v[:], nil
	case time.Time:
		return EncodeUInt64(uint64(v.UnixNano())), nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	default:
		return nil, errUnknownValueType(input, HashFunctionMurmur)
	}
}

func ApplyMurmurHashFunction(input any) (uint32, error) {
	buf, err := EncodeKey(input)
	if err != nil {
		return 0, err
	}
	return murmur3.Sum32(buf), nil
}

func ApplyCityHashFunction(input any) (uint32, error) {
	buf, err := EncodeKey(input)
	if err != nil {
		return 0, err
	}
	return city.Hash32(buf), nil
}

// ApplyHashFunction hashes a routing key value into a 32-bit digest.
func ApplyHashFunction(input any, hf HashFunctionType) (uint32, error) {
	switch hf {
	case HashFunctionMurmur:
		return ApplyMurmurHashFunction(input)
	case HashFunctionCity:
		return ApplyCityHashFunction(input)
	default:
		return 0, fmt.Errorf("unknown hash function type: %d", hf)
	}
}

// HashFunctionByName returns the corresponding HashFunctionType based on the given hash function name.
// An empty name selects murmur.
func HashFunctionByName(hfn string) (HashFunctionType, error) {
	switch hfn {
	case "murmur", "":
		return HashFunctionMurmur, nil
	case "city":
		return HashFunctionCity, nil
	default:
		return 0, fmt.Errorf("unknown hash function type: %s", hfn)
	}
}

func ToString(hf HashFunctionType) string {
	switch hf {
	case HashFunctionMurmur:
		return "murmur"
	case HashFunctionCity:
		return "city"
	}
	return ""
}
