package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type MemoryCounterStoreSuite struct {
	suite.Suite
	store *MemoryCounterStore
	ctx   context.Context
}

func (s *MemoryCounterStoreSuite) SetupTest() {
	s.store = NewMemoryCounterStore()
	s.ctx = context.Background()
}

func TestMemoryCounterStoreSuite(t *testing.T) {
	suite.Run(t, new(MemoryCounterStoreSuite))
}

func (s *MemoryCounterStoreSuite) TestIncrementAndCount() {
	n, err := s.store.Count(s.ctx, "k", time.Minute, epoch)
	s.Require().NoError(err)
	s.Zero(n)

	for i := 1; i <= 3; i++ {
		n, err := s.store.Increment(s.ctx, "k", time.Minute, epoch.Add(time.Duration(i)*time.Second))
		s.Require().NoError(err)
		s.Equal(int64(i), n)
	}

	n, err = s.store.Count(s.ctx, "k", time.Minute, epoch.Add(30*time.Second))
	s.Require().NoError(err)
	s.Equal(int64(3), n)

	n, err = s.store.Count(s.ctx, "other", time.Minute, epoch)
	s.Require().NoError(err)
	s.Zero(n)
}

func (s *MemoryCounterStoreSuite) TestWindowRollover() {
	_, _ = s.store.Increment(s.ctx, "k", time.Minute, epoch)
	_, _ = s.store.Increment(s.ctx, "k", time.Minute, epoch.Add(59*time.Second))

	next := epoch.Add(time.Minute)
	n, err := s.store.Count(s.ctx, "k", time.Minute, next)
	s.Require().NoError(err)
	s.Zero(n, "new window starts empty")

	n, err = s.store.Increment(s.ctx, "k", time.Minute, next)
	s.Require().NoError(err)
	s.Equal(int64(1), n)
}

func (s *MemoryCounterStoreSuite) TestRelease() {
	s.NoError(s.store.Release(s.ctx, "missing", time.Minute, epoch))

	_, _ = s.store.Increment(s.ctx, "k", time.Minute, epoch)
	_, _ = s.store.Increment(s.ctx, "k", time.Minute, epoch)
	s.Require().NoError(s.store.Release(s.ctx, "k", time.Minute, epoch.Add(time.Second)))
	n, _ := s.store.Count(s.ctx, "k", time.Minute, epoch)
	s.Equal(int64(1), n)

	s.Require().NoError(s.store.Release(s.ctx, "k", time.Minute, epoch))
	s.Require().NoError(s.store.Release(s.ctx, "k", time.Minute, epoch))
	n, _ = s.store.Count(s.ctx, "k", time.Minute, epoch)
	s.Zero(n, "never below zero")

	_, _ = s.store.Increment(s.ctx, "k", time.Minute, epoch)
	s.Require().NoError(s.store.Release(s.ctx, "k", time.Minute, epoch.Add(time.Minute)))
	n, _ = s.store.Count(s.ctx, "k", time.Minute, epoch)
	s.Equal(int64(1), n, "release for a later window leaves this one alone")
}

func (s *MemoryCounterStoreSuite) TestSweepEvictsEndedWindows() {
	_, _ = s.store.Increment(s.ctx, "old", time.Minute, epoch)
	_, _ = s.store.Increment(s.ctx, "new", time.Minute, epoch.Add(time.Minute))
	s.Equal(2, s.store.Len())

	s.store.Sweep(epoch.Add(time.Minute + time.Second))

	s.Equal(1, s.store.Len())
	n, _ := s.store.Count(s.ctx, "new", time.Minute, epoch.Add(time.Minute))
	s.Equal(int64(1), n)
}

func (s *MemoryCounterStoreSuite) TestConcurrentIncrements() {
	const workers, perWorker = 16, 50

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				_, _ = s.store.Increment(s.ctx, "hot", time.Hour, epoch)
			}
		}()
	}
	wg.Wait()

	n, err := s.store.Count(s.ctx, "hot", time.Hour, epoch)
	s.Require().NoError(err)
	s.Equal(int64(workers*perWorker), n)
}
