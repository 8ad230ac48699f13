// Package mock provides a test double for the upstream.Provider interface.
//
// Use Provider in unit tests to verify the requests the engine builds and to
// feed controlled responses without a live backend. All fields are safe to
// set before calling any method; mutating them during a concurrent call is
// the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    CompleteResult: &upstream.Result{Choices: []upstream.Choice{{Text: "Hello!"}}},
//	}
//	res, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/parleybot/parley/pkg/provider/upstream"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the Request passed to Complete.
	Req upstream.Request
}

// StreamCall records a single invocation of Stream.
type StreamCall struct {
	// Ctx is the context passed to Stream.
	Ctx context.Context
	// Req is the Request passed to Stream.
	Req upstream.Request
}

// Provider is a mock implementation of upstream.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// CompleteQueue, when non-empty, is consumed one result per Complete
	// call. Lets a test script a tool-call round followed by a final answer.
	CompleteQueue []*upstream.Result

	// CompleteResult is returned by Complete once CompleteQueue is drained.
	// May be nil (returns nil, nil).
	CompleteResult *upstream.Result

	// CompleteErrs, when non-empty, is consumed one error per Complete call
	// before any result. Nil entries mean success for that call.
	CompleteErrs []error

	// CompleteErr, if non-nil, is returned from every Complete call once
	// CompleteErrs is drained.
	CompleteErr error

	// StreamChunks is the sequence of chunks emitted on the channel returned
	// by Stream. All chunks are sent before the channel is closed.
	StreamChunks []upstream.Chunk

	// StreamErrs, when non-empty, is consumed one error per Stream call
	// before a channel is opened. Nil entries mean success for that call.
	StreamErrs []error

	// StreamErr, if non-nil, is returned from every Stream call once
	// StreamErrs is drained, instead of a channel.
	StreamErr error

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	// StreamCalls records every invocation of Stream in order.
	StreamCalls []StreamCall
}

// Complete records the call and returns the next scripted result or error.
func (p *Provider) Complete(ctx context.Context, req upstream.Request) (*upstream.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	if len(p.CompleteErrs) > 0 {
		err := p.CompleteErrs[0]
		p.CompleteErrs = p.CompleteErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}

	if len(p.CompleteQueue) > 0 {
		res := p.CompleteQueue[0]
		p.CompleteQueue = p.CompleteQueue[1:]
		return res, nil
	}
	return p.CompleteResult, nil
}

// Stream records the call and returns a channel that emits StreamChunks.
// If an error is scripted for this call, it returns nil and that error
// without opening a channel.
func (p *Provider) Stream(ctx context.Context, req upstream.Request) (<-chan upstream.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})

	if len(p.StreamErrs) > 0 {
		err := p.StreamErrs[0]
		p.StreamErrs = p.StreamErrs[1:]
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	} else if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]upstream.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan upstream.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.StreamCalls = nil
}

// Ensure Provider implements upstream.Provider at compile time.
var _ upstream.Provider = (*Provider)(nil)
