package content

import "golang.org/x/crypto/blake2b"

type Digest [blake2b.Size256]byte

func Sum(text string) Digest {
	return blake2b.Sum256([]byte(text))
}

// Changed compares two texts by digest.
func Changed(before Digest, after string) bool {
	return Sum(after) != before
}
