// Package mock provides a test double for the diar.Provider interface.
package mock

import (
	"context"
	"sync"

	"github.com/lorekeep/lorekeep/pkg/provider/diar"
	"github.com/lorekeep/lorekeep/pkg/types"
)

// DiarizeCall records a single invocation of Diarize.
type DiarizeCall struct {
	// Ctx is the context passed to Diarize.
	Ctx context.Context
	// Req is the Request passed to Diarize.
	Req diar.Request
}

// Provider is a mock implementation of diar.Provider.
// Zero values cause methods to return empty results and nil errors.
type Provider struct {
	mu sync.Mutex

	// Turns is returned by Diarize when DiarizeFunc and DiarizeErr are unset.
	Turns []types.SpeakerTurn

	// DiarizeFunc, if non-nil, is invoked by Diarize instead.
	DiarizeFunc func(ctx context.Context, req diar.Request) ([]types.SpeakerTurn, error)

	// DiarizeErr, if non-nil, is returned as the error from Diarize.
	DiarizeErr error

	// BackendName is returned by Backend. Defaults to "mock" when empty.
	BackendName string

	// DiarizeCalls records every invocation of Diarize in order.
	DiarizeCalls []DiarizeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Diarize records the call and returns the configured turns or error.
func (p *Provider) Diarize(ctx context.Context, req diar.Request) ([]types.SpeakerTurn, error) {
	p.mu.Lock()
	p.DiarizeCalls = append(p.DiarizeCalls, DiarizeCall{Ctx: ctx, Req: req})
	fn := p.DiarizeFunc
	turns, err := p.Turns, p.DiarizeErr
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	out := make([]types.SpeakerTurn, len(turns))
	copy(out, turns)
	return out, nil
}

// Backend returns BackendName, or "mock" when unset.
func (p *Provider) Backend() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.BackendName == "" {
		return "mock"
	}
	return p.BackendName
}

// Close records the call and returns nil.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	return nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.DiarizeCalls = nil
	p.CloseCallCount = 0
}

// Ensure Provider implements diar.Provider at compile time.
var _ diar.Provider = (*Provider)(nil)
