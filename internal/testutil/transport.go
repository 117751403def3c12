package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/racehost/transactor/handler"
	"github.com/racehost/transactor/transport"
)

// MockTransport is an in-memory transport.Transport for tests: it gives
// the transactor something deterministic to run against without a real
// chain. Callers script a scenario through SetState/SetBundle (e.g. bump
// SettleVersion to simulate a remote settlement).
type MockTransport struct {
	mu      sync.Mutex
	chain   string
	state   map[string]transport.ChainState
	bundles map[string]transport.Bundle
	settles []transport.SettleSubmission

	// SubmitErr, when non-nil, is returned by every SubmitSettle call
	// instead of recording it, to test the Submitter's retry path.
	SubmitErr error
}

// NewMockTransport creates a MockTransport registered for chain.
func NewMockTransport(chain string) *MockTransport {
	return &MockTransport{
		chain:   chain,
		state:   make(map[string]transport.ChainState),
		bundles: make(map[string]transport.Bundle),
	}
}

func (m *MockTransport) Name() string { return m.chain }

// SetState installs the ChainState GetState will return for gameAddr.
func (m *MockTransport) SetState(gameAddr string, s transport.ChainState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[gameAddr] = s
}

// SetBundle installs the Bundle GetGameBundle will return for bundleAddr.
func (m *MockTransport) SetBundle(b transport.Bundle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[b.Addr] = b
}

func (m *MockTransport) GetState(_ context.Context, gameAddr string) (transport.ChainState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state[gameAddr]
	if !ok {
		return transport.ChainState{}, fmt.Errorf("mocktransport: no state for %q", gameAddr)
	}
	return s, nil
}

func (m *MockTransport) GetGameBundle(_ context.Context, bundleAddr string) (transport.Bundle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bundles[bundleAddr]
	if !ok {
		return transport.Bundle{}, fmt.Errorf("mocktransport: no bundle for %q", bundleAddr)
	}
	return b, nil
}

// PublishGame stores the bundle under a deterministic address derived from
// its name and returns that address, mirroring what a chain integration's
// publish instruction does.
func (m *MockTransport) PublishGame(_ context.Context, b transport.Bundle) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := fmt.Sprintf("bundle:%s", b.Name)
	b.Addr = addr
	m.bundles[addr] = b
	return addr, nil
}

func (m *MockTransport) SubmitSettle(_ context.Context, sub transport.SettleSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitErr != nil {
		return m.SubmitErr
	}
	m.settles = append(m.settles, sub)
	return nil
}

// Settles returns every submission recorded so far, in submission order.
func (m *MockTransport) Settles() []transport.SettleSubmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.SettleSubmission, len(m.settles))
	copy(out, m.settles)
	return out
}

var _ transport.Transport = (*MockTransport)(nil)

// BundleResolver adapts m to handler.BundleResolver's narrower shape (it
// only needs Addr/Name, not the full transport.Bundle), so handler's
// cache-miss path doesn't have to import the transport package.
func (m *MockTransport) BundleResolver() handler.BundleResolver {
	return mockBundleResolver{m}
}

type mockBundleResolver struct{ t *MockTransport }

func (r mockBundleResolver) GetGameBundle(ctx context.Context, bundleAddr string) (handler.BundleInfo, error) {
	b, err := r.t.GetGameBundle(ctx, bundleAddr)
	if err != nil {
		return handler.BundleInfo{}, err
	}
	return handler.BundleInfo{Addr: b.Addr, Name: b.Name, Data: b.Data}, nil
}

var _ handler.BundleResolver = mockBundleResolver{}
