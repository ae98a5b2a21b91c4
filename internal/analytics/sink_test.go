package analytics

import (
	"context"
	"errors"
	"testing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishJSON(ctx context.Context, key string, value any) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func TestKafkaSink_Emit(t *testing.T) {
	pub := new(MockPublisher)
	p := Payload{"event": "points.earned", "user_hash": "abc", "delta": int64(10)}
	pub.On("PublishJSON", mock.Anything, "abc", p).Return(nil).Once()

	require.NoError(t, NewKafkaSink(pub).Emit(context.Background(), p))
	pub.AssertExpectations(t)
}

func TestKafkaSink_RejectsBeforeTransmission(t *testing.T) {
	pub := new(MockPublisher)

	err := NewKafkaSink(pub).Emit(context.Background(), Payload{"event": "x", "email": "a@b.co"})
	assert.ErrorIs(t, err, ErrFieldNotAllowed)
	pub.AssertNotCalled(t, "PublishJSON", mock.Anything, mock.Anything, mock.Anything)
}

func TestKafkaSink_PublishFailure(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("PublishJSON", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))

	err := NewKafkaSink(pub).Emit(context.Background(), Payload{"event": "x"})
	assert.ErrorContains(t, err, "broker down")
}

func TestLogSink_Validates(t *testing.T) {
	s := NewLogSink(log.DefaultLogger)
	assert.NoError(t, s.Emit(context.Background(), Payload{"event": "x"}))
	assert.Error(t, s.Emit(context.Background(), Payload{"phone": "x"}))
}
