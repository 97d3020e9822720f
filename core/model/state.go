// Package model provides the core abstractions shared by every estimator in
// datakit: fitted-state tracking, the estimator contracts the trainer
// dispatches through, and the serializable Artifact that carries a fitted
// model across the pipeline boundary.
//
// Estimators use StateManager by composition:
//
//	type MyModel struct {
//		state *model.StateManager
//		// model-specific fields
//	}
//
//	func (m *MyModel) Fit(ctx context.Context, X, y mat.Matrix) error {
//		// training logic
//		m.state.SetFitted()
//		return nil
//	}
//
// The fitted flag guards every Predict/Transform entry point so untrained
// models fail with a NotFittedError instead of producing garbage.
package model

import "sync"

// StateManager tracks an estimator's fitted state and training dimensions.
// All methods are safe for concurrent use.
type StateManager struct {
	mu        sync.RWMutex
	fitted    bool
	nFeatures int
	nSamples  int
}

// NewStateManager creates an unfitted StateManager.
func NewStateManager() *StateManager {
	return &StateManager{}
}

// SetFitted marks the estimator as trained.
func (s *StateManager) SetFitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fitted = true
}

// IsFitted reports whether the estimator has been trained.
func (s *StateManager) IsFitted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fitted
}

// Reset returns the estimator to its untrained state.
func (s *StateManager) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fitted = false
	s.nFeatures = 0
	s.nSamples = 0
}

// SetDimensions records the feature and sample counts seen during Fit.
func (s *StateManager) SetDimensions(nFeatures, nSamples int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nFeatures = nFeatures
	s.nSamples = nSamples
}

// NFeatures returns the feature count recorded at Fit time.
func (s *StateManager) NFeatures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nFeatures
}

// NSamples returns the sample count recorded at Fit time.
func (s *StateManager) NSamples() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nSamples
}
