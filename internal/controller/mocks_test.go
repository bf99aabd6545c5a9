package controller

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/marionette/api/schemas"
)

// -- Model Client Mock --

// MockModelClient mocks the ModelClient interface used by the Controller.
type MockModelClient struct {
	mock.Mock
}

// Complete mocks the provider call.
func (m *MockModelClient) Complete(ctx context.Context, turns []schemas.Turn, tools []schemas.ToolDefinition) (*schemas.ModelResponse, error) {
	args := m.Called(ctx, turns, tools)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.ModelResponse), args.Error(1)
}
