// Package apps runs app transition functions and interprets app outcomes
// into free balance movements.
package apps

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"statechannels/core/types"
	"statechannels/core/value"
)

// ErrNoLogic is returned when no logic is known for an app definition.
var ErrNoLogic = errors.New("apps: no logic registered for app definition")

// Logic evaluates an app's pure functions.
type Logic interface {
	ApplyAction(ctx context.Context, app *types.AppInstance, state, action value.Value) (value.Value, error)
	ComputeOutcome(ctx context.Context, app *types.AppInstance, state value.Value) ([]byte, error)
}

// Registry maps app definitions to their logic. Unknown definitions use the
// fallback when one is set.
type Registry struct {
	mu       sync.RWMutex
	logic    map[common.Address]Logic
	fallback Logic
}

// NewRegistry creates a registry. fallback may be nil.
func NewRegistry(fallback Logic) *Registry {
	return &Registry{logic: make(map[common.Address]Logic), fallback: fallback}
}

// Register binds logic to an app definition address.
func (r *Registry) Register(definition common.Address, logic Logic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logic[definition] = logic
}

// For resolves the logic for an app definition.
func (r *Registry) For(definition common.Address) (Logic, error) {
	r.mu.RLock()
	logic, ok := r.logic[definition]
	r.mu.RUnlock()
	if ok {
		return logic, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoLogic, definition.Hex())
}

// ApplyAction runs the app's transition function on its latest state.
func (r *Registry) ApplyAction(ctx context.Context, app *types.AppInstance, action value.Value) (value.Value, error) {
	logic, err := r.For(app.Interface.Addr)
	if err != nil {
		return value.Null(), err
	}
	return logic.ApplyAction(ctx, app, app.LatestState, action)
}

// ComputeOutcome evaluates the app's outcome for its latest state.
func (r *Registry) ComputeOutcome(ctx context.Context, app *types.AppInstance) ([]byte, error) {
	logic, err := r.For(app.Interface.Addr)
	if err != nil {
		return nil, err
	}
	return logic.ComputeOutcome(ctx, app, app.LatestState)
}
