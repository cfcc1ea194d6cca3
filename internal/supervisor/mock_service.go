// Nuntius - Real-Time Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/nuntius

package supervisor

import (
	"context"
	"errors"
	"sync"
)

var errSimulatedCrash = errors.New("simulated crash")

// MockService stands in for a supervised engine service (coordinator,
// stream hub, journal loop) in tree tests. It can crash a scripted number
// of times before settling, or fail permanently with a fixed error, and it
// counts starts and stops so tests can assert restart behavior.
type MockService struct {
	name string

	mu          sync.Mutex
	starts      int32
	stops       int32
	crashesLeft int32
	err         error
}

// NewMockService returns a service that runs until its context is canceled.
func NewMockService(name string) *MockService {
	return &MockService{name: name}
}

// Serve implements suture.Service.
func (m *MockService) Serve(ctx context.Context) error {
	m.mu.Lock()
	m.starts++
	crash := m.crashesLeft > 0
	if crash {
		m.crashesLeft--
	}
	err := m.err
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.stops++
		m.mu.Unlock()
	}()

	if crash {
		return errSimulatedCrash
	}
	if err != nil {
		return err
	}

	<-ctx.Done()
	return ctx.Err()
}

// SetError makes every Serve call return err without blocking.
func (m *MockService) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetFailCount scripts n crashes; the run after the last crash settles.
func (m *MockService) SetFailCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.crashesLeft = int32(n)
}

// StartCount returns how many times Serve was entered.
func (m *MockService) StartCount() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

// StopCount returns how many times Serve has returned.
func (m *MockService) StopCount() int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// String implements fmt.Stringer for suture's log messages.
func (m *MockService) String() string {
	return m.name
}
