package app

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithShutdownSignal_CancelsOnSignal(t *testing.T) {
	ctx := withShutdownSignal(context.Background(), syscall.SIGUSR1)

	assert.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled after signal")
	}
}

func TestWithShutdownSignal_ParentCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx := withShutdownSignal(parent, syscall.SIGUSR2)
	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled with its parent")
	}
}
