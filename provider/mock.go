package provider

import (
	"context"
	"sync"
)

// MockTransport is a scriptable Transport for tests and local runs.
type MockTransport struct {
	mu sync.Mutex

	name      string
	model     string
	pricing   Pricing
	available bool

	// GenerateFunc, when set, handles every call.
	GenerateFunc func(ctx context.Context, req *Request) (*Response, error)

	response *Response
	err      error
	calls    int
	last     *Request
}

// NewMockTransport creates a mock that answers with a canned response.
func NewMockTransport(name string) *MockTransport {
	return &MockTransport{
		name:      name,
		model:     "mock",
		available: true,
		response:  &Response{Text: "ok from " + name, Model: "mock", Provider: name},
	}
}

// SetResponse sets the canned response and clears any canned error.
func (m *MockTransport) SetResponse(resp *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = resp
	m.err = nil
}

// SetError makes every call fail with err.
func (m *MockTransport) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetAvailable toggles IsAvailable.
func (m *MockTransport) SetAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = ok
}

// SetModel sets the model name reported by ModelName.
func (m *MockTransport) SetModel(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.model = model
}

// SetPricing sets the reported pricing.
func (m *MockTransport) SetPricing(p Pricing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pricing = p
}

// CallCount returns the number of Generate calls so far.
func (m *MockTransport) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns the most recent request, or nil.
func (m *MockTransport) LastRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Generate implements Transport.
func (m *MockTransport) Generate(ctx context.Context, req *Request) (*Response, error) {
	m.mu.Lock()
	m.calls++
	m.last = req
	fn, resp, err := m.GenerateFunc, m.response, m.err
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return &Response{Provider: m.name}, nil
	}
	out := *resp
	return &out, nil
}

// IsAvailable implements Transport.
func (m *MockTransport) IsAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// ModelName implements Transport.
func (m *MockTransport) ModelName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model
}

// ProviderID implements Transport.
func (m *MockTransport) ProviderID() string { return m.name }

// Pricing implements Transport.
func (m *MockTransport) Pricing() Pricing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pricing
}
