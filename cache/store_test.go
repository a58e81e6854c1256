package cache

import (
	"context"
	"errors"
	"time"
)

// failingStore errors on every operation, for breaker tests.
type failingStore struct {
	calls int
}

var errBackendDown = errors.New("backend down")

func (s *failingStore) Get(context.Context, string) (interface{}, bool, error) {
	s.calls++
	return nil, false, errBackendDown
}

func (s *failingStore) Put(context.Context, string, interface{}, time.Duration) error {
	s.calls++
	return errBackendDown
}

func (s *failingStore) Forever(context.Context, string, interface{}) error {
	s.calls++
	return errBackendDown
}

func (s *failingStore) Forget(context.Context, string) (bool, error) {
	s.calls++
	return false, errBackendDown
}

func (s *failingStore) Has(context.Context, string) (bool, error) {
	s.calls++
	return false, errBackendDown
}

func (s *failingStore) Flush(context.Context) error {
	s.calls++
	return errBackendDown
}

func (s *failingStore) Add(context.Context, string, interface{}, time.Duration) (bool, error) {
	s.calls++
	return false, errBackendDown
}

func (s *failingStore) Increment(context.Context, string, int64) (int64, error) {
	s.calls++
	return 0, errBackendDown
}

func (s *failingStore) Decrement(context.Context, string, int64) (int64, error) {
	s.calls++
	return 0, errBackendDown
}

func (s *failingStore) Driver() string { return "failing" }
