package grid

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// HashFunc is a stable content hash returning a hex digest of at least 8 characters
type HashFunc func(data []byte) string

// XXHash is the default HashFunc: the 64 bit xxhash of data as 16 hex characters
func XXHash(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// SaltKey is the key of a cell's counter in Salts.Grid
func SaltKey(timestep, column int) string {
	return fmt.Sprintf("b%dx%d", timestep, column)
}

// DeriveSeed hashes the ordered tuple (timestep, column, all, salt) and returns the low
// 32 bits of the digest. Nil values stand for absent ones and encode as null, which no
// integer value collides with.
func DeriveSeed(hash HashFunc, timestep *int, column *int, all *int, salt *int) uint32 {
	data, err := json.Marshal([]*int{timestep, column, all, salt})
	if err != nil {
		panic(err)
	}
	digest := hash(data)
	if len(digest) < 8 {
		panic(fmt.Sprintf("grid: digest %q is shorter than 8 characters", digest))
	}
	seed, err := strconv.ParseUint(digest[len(digest)-8:], 16, 32)
	if err != nil {
		panic(fmt.Sprintf("grid: digest %q is not hexadecimal", digest))
	}
	return uint32(seed)
}
