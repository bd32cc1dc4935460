package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// =============================================================================
// MOCK GRPC STREAMS
// =============================================================================

// MockEventStream implements EventStream for tests that call StreamEvents
// directly.
type MockEventStream struct {
	ctx      context.Context
	sendChan chan *structpb.Struct
	sendErr  error
}

// NewMockEventStream creates a mock event stream bound to ctx.
func NewMockEventStream(ctx context.Context) *MockEventStream {
	return &MockEventStream{
		ctx:      ctx,
		sendChan: make(chan *structpb.Struct, 100),
	}
}

func (m *MockEventStream) Send(event *structpb.Struct) error {
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sendChan <- event
	return nil
}

func (m *MockEventStream) Context() context.Context {
	return m.ctx
}

// SetSendError makes every Send fail with err.
func (m *MockEventStream) SetSendError(err error) {
	m.sendErr = err
}

// RecvChan returns the events sent so far.
func (m *MockEventStream) RecvChan() <-chan *structpb.Struct {
	return m.sendChan
}

func (m *MockEventStream) SendHeader(metadata.MD) error { return nil }
func (m *MockEventStream) SetTrailer(metadata.MD)       {}
func (m *MockEventStream) SendMsg(any) error            { return nil }
func (m *MockEventStream) RecvMsg(any) error            { return nil }
func (m *MockEventStream) SetHeader(metadata.MD) error  { return nil }

// MockServerStream implements grpc.ServerStream for interceptor tests.
type MockServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

// NewMockServerStream creates a mock server stream.
func NewMockServerStream(ctx context.Context) *MockServerStream {
	return &MockServerStream{ctx: ctx}
}

func (m *MockServerStream) Context() context.Context {
	if m.ctx != nil {
		return m.ctx
	}
	return context.Background()
}
