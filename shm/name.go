package shm

import "github.com/google/uuid"

// NewSegmentName returns a random name suitable for a one-shot staging
// segment, unique per connection attempt so unrelated ranks never collide
// on the same path under a shared temp directory.
func NewSegmentName(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
