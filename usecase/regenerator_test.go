package usecase

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRegenerator_CoalescesRequests(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var rebuilds int32

	regenerator := NewRegenerator(testLogger, "test", func() error {
		atomic.AddInt32(&rebuilds, 1)
		started <- struct{}{}
		<-release
		return nil
	})

	regenerator.Request()
	<-started

	// these arrive while the first rebuild is running: one stays
	// pending, the others are absorbed by it
	regenerator.Request()
	regenerator.Request()
	regenerator.Request()
	release <- struct{}{}

	<-started
	release <- struct{}{}

	regenerator.Stop()
	assert.Equal(t, int32(2), atomic.LoadInt32(&rebuilds))
}

func TestRegenerator_RequestDoesNotBlock(t *testing.T) {
	block := make(chan struct{})
	regenerator := NewRegenerator(testLogger, "test", func() error {
		<-block
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			regenerator.Request()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Request blocked while a rebuild was running")
	}
	close(block)
	regenerator.Stop()
}

func TestRegenerator_StopWaitsForWorker(t *testing.T) {
	var rebuilds int32
	regenerator := NewRegenerator(testLogger, "test", func() error {
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&rebuilds, 1)
		return nil
	})

	regenerator.Request()
	regenerator.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&rebuilds), "the pending rebuild completes before Stop returns")
}
