package geom

import (
	"crypto/sha256"
	"fmt"

	"github.com/paulmach/orb"
)

const nullHash = "gh:null"

// Hash returns the content hash used as the deduplication key. Two geometries
// hash equal only when their canonical encodings match coordinate for
// coordinate; nearby or re-ordered geometries stay distinct.
func Hash(g orb.Geometry) (string, error) {
	if g == nil {
		return nullHash, nil
	}
	buf, err := Encode(g)
	if err != nil {
		return "", fmt.Errorf("encode geometry: %w", err)
	}
	sum := sha256.Sum256(buf)
	return fmt.Sprintf("gh:%x", sum[:]), nil
}
