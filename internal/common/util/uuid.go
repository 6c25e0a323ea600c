package util

import (
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

var (
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	m       sync.Mutex
)

// NewULID returns a lower-cased, lexicographically sortable unique id.
func NewULID() string {
	return NewULIDAt(time.Now())
}

// NewULIDAt returns a unique id whose time component is t, so ids sort by the time they were issued
// for. Session tokens use the provider's clock here.
func NewULIDAt(t time.Time) string {
	m.Lock()
	defer m.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Timestamp(t), entropy).String())
}
