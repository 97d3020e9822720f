package model

import (
	"sync"
	"testing"
)

func TestStateManagerLifecycle(t *testing.T) {
	s := NewStateManager()

	if s.IsFitted() {
		t.Error("new StateManager must not be fitted")
	}

	s.SetDimensions(4, 150)
	s.SetFitted()

	if !s.IsFitted() {
		t.Error("SetFitted did not mark state as fitted")
	}
	if s.NFeatures() != 4 {
		t.Errorf("NFeatures = %d, want 4", s.NFeatures())
	}
	if s.NSamples() != 150 {
		t.Errorf("NSamples = %d, want 150", s.NSamples())
	}

	s.Reset()
	if s.IsFitted() || s.NFeatures() != 0 || s.NSamples() != 0 {
		t.Error("Reset did not clear state")
	}
}

func TestStateManagerConcurrentAccess(t *testing.T) {
	s := NewStateManager()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.SetFitted()
			s.SetDimensions(3, 100)
		}()
		go func() {
			defer wg.Done()
			_ = s.IsFitted()
			_ = s.NFeatures()
		}()
	}
	wg.Wait()

	if !s.IsFitted() {
		t.Error("state lost after concurrent writes")
	}
}
