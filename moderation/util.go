package moderation

import (
	"fmt"
	"io"

	"github.com/spaolacci/murmur3"

	"github.com/haven-social/gatekeeper/moderation/verdict"
)

// itemCacheKey returns a fast, compact hash covering every evaluation input.
// Two submissions with the same mode, text, and image refs share a cache
// entry; the raw content never appears in the cache key.
func itemCacheKey(item Item, mode verdict.Mode) string {
	h := murmur3.New64()
	_, _ = io.WriteString(h, string(mode))
	_, _ = io.WriteString(h, "\x00")
	_, _ = io.WriteString(h, item.Text)
	for _, ref := range item.ImageRefs {
		_, _ = io.WriteString(h, "\x00")
		_, _ = io.WriteString(h, ref)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
