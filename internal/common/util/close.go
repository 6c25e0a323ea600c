package util

import (
	"io"

	log "github.com/sirupsen/logrus"
)

// Closer returns a cleanup function for c. A failed close is logged since callers run it on shutdown
// where nothing else can be done about it.
func Closer(name string, c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.WithError(err).Warnf("Failed to close %s cleanly", name)
		}
	}
}
