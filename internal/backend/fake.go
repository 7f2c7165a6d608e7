// ABOUTME: In-memory fake of the backend Client for tests.
// ABOUTME: Behavior is configurable per assistant; calls are recorded.

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// FakeAssistant configures one assistant's scripted behavior in a Fake.
type FakeAssistant struct {
	Assistant Assistant

	// Chunks are streamed in order by Stream. Invoke returns their
	// concatenation unless Reply is set.
	Chunks []string
	Reply  string

	// HealthErr makes CheckHealth fail.
	HealthErr error
	// CallErr makes Invoke and Stream fail before producing output.
	CallErr error
	// StreamErr terminates the stream with an error after Chunks are sent.
	StreamErr string
	// Schemas is returned verbatim by GetSchemas.
	Schemas json.RawMessage
	// Block, if non-nil, delays each stream chunk until it receives or closes.
	Block chan struct{}
}

// Fake implements Client in memory for tests.
type Fake struct {
	mu         sync.Mutex
	assistants map[string]*FakeAssistant
	order      []string
	listErr    error

	// InvokeCalls records the assistant ids of Invoke/Stream calls in order.
	InvokeCalls []string
}

// NewFake creates a Fake with the given scripted assistants.
func NewFake(assistants ...*FakeAssistant) *Fake {
	f := &Fake{assistants: make(map[string]*FakeAssistant)}
	for _, a := range assistants {
		f.assistants[a.Assistant.ID] = a
		f.order = append(f.order, a.Assistant.ID)
	}
	return f
}

// SetListError makes ListAssistants fail until cleared.
func (f *Fake) SetListError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

func (f *Fake) ListAssistants(ctx context.Context) ([]Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]Assistant, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.assistants[id].Assistant)
	}
	return out, nil
}

func (f *Fake) GetAssistant(ctx context.Context, id string) (*Assistant, error) {
	fa, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	a := fa.Assistant
	return &a, nil
}

func (f *Fake) CheckHealth(ctx context.Context, id string) error {
	fa, err := f.lookup(id)
	if err != nil {
		return err
	}
	return fa.HealthErr
}

func (f *Fake) GetSchemas(ctx context.Context, id string) (json.RawMessage, error) {
	fa, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	if fa.Schemas == nil {
		return json.RawMessage(`{}`), nil
	}
	return fa.Schemas, nil
}

func (f *Fake) Invoke(ctx context.Context, id string, messages []ChatMessage, cfg CallConfig) (string, error) {
	fa, err := f.lookup(id)
	if err != nil {
		return "", err
	}
	f.recordCall(id)
	if fa.CallErr != nil {
		return "", fa.CallErr
	}
	if fa.Reply != "" {
		return fa.Reply, nil
	}
	var full string
	for _, c := range fa.Chunks {
		full += c
	}
	return full, nil
}

func (f *Fake) Stream(ctx context.Context, id string, messages []ChatMessage, cfg CallConfig) (<-chan StreamChunk, error) {
	fa, err := f.lookup(id)
	if err != nil {
		return nil, err
	}
	f.recordCall(id)
	if fa.CallErr != nil {
		return nil, fa.CallErr
	}

	out := make(chan StreamChunk, len(fa.Chunks)+1)
	go func() {
		defer close(out)
		for _, c := range fa.Chunks {
			if fa.Block != nil {
				select {
				case <-fa.Block:
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- StreamChunk{Content: c}:
			case <-ctx.Done():
				return
			}
		}
		out <- StreamChunk{Done: true, Err: fa.StreamErr}
	}()
	return out, nil
}

func (f *Fake) lookup(id string) (*FakeAssistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fa, ok := f.assistants[id]
	if !ok {
		return nil, ErrAssistantNotFound
	}
	return fa, nil
}

func (f *Fake) recordCall(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.InvokeCalls = append(f.InvokeCalls, id)
}

var _ Client = (*Fake)(nil)

// ErrFakeUnreachable is a convenience error for simulating backend outages.
var ErrFakeUnreachable = errors.New("backend unreachable")
