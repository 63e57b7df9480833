package pipeline

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/budgetly/mailsync/internal/model"
	"github.com/budgetly/mailsync/pkg/gmail"
)

// --- Mailbox mock ---

type mockMailbox struct {
	mock.Mock
}

func (m *mockMailbox) ListHeaders(ctx context.Context, creds gmail.Credentials, opts gmail.ListOptions) ([]model.EmailHeader, error) {
	args := m.Called(ctx, creds, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.EmailHeader), args.Error(1)
}

func (m *mockMailbox) GetMessage(ctx context.Context, creds gmail.Credentials, id string) (*model.EmailMessage, error) {
	args := m.Called(ctx, creds, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.EmailMessage), args.Error(1)
}

// --- Gateway mock ---

type mockGateway struct {
	mock.Mock
	batchSize  int
	batchDelay time.Duration
}

func (m *mockGateway) Triage(ctx context.Context, headers []model.EmailHeader) ([]int, error) {
	args := m.Called(ctx, headers)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int), args.Error(1)
}

func (m *mockGateway) ParseReceipt(ctx context.Context, email model.EmailMessage) (*model.ParsedReceipt, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ParsedReceipt), args.Error(1)
}

func (m *mockGateway) DetectDuplicates(ctx context.Context, candidates []model.DedupCandidate) ([]model.DuplicateGroup, error) {
	args := m.Called(ctx, candidates)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.DuplicateGroup), args.Error(1)
}

func (m *mockGateway) BatchSize() int {
	if m.batchSize <= 0 {
		return 10
	}
	return m.batchSize
}

func (m *mockGateway) BatchDelay() time.Duration {
	return m.batchDelay
}
