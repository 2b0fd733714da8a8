package broker_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"github.com/vedran77/chatrelay/internal/broker"
	"github.com/vedran77/chatrelay/internal/domain"
	"github.com/vedran77/chatrelay/internal/mocks"
	"go.uber.org/mock/gomock"
)

var errFlaky = errors.New("channel closed")

func fastPolicy() broker.RetryPolicy {
	return broker.RetryPolicy{MaxTries: 3, MaxElapsed: time.Second, InitialInterval: time.Millisecond}
}

func TestRetrying_BindRecoversFromTransientFailure(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockBus(ctrl)

	// Given the first bind attempt fails
	gomock.InOrder(
		bus.EXPECT().Bind(gomock.Any(), "alice").Return(errFlaky),
		bus.EXPECT().Bind(gomock.Any(), "alice").Return(nil),
	)

	// When binding through the retrying bus
	err := broker.NewRetrying(bus, fastPolicy(), log).Bind(context.Background(), "alice")

	// Then the second attempt wins
	req.NoError(err)
}

func TestRetrying_PublishGivesUpAfterMaxTries(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockBus(ctrl)

	bus.EXPECT().Publish(gomock.Any(), "bob", gomock.Any()).Return(errFlaky).Times(3)

	err := broker.NewRetrying(bus, fastPolicy(), log).Publish(context.Background(), "bob", []byte("x"))

	var brokerErr *broker.Error
	req.ErrorAs(err, &brokerErr)
	req.Equal("publish", brokerErr.Op)
	req.Equal("bob", brokerErr.Key)
	req.ErrorIs(err, errFlaky)
}

func TestRetrying_UnbindIsAttemptedOnce(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockBus(ctrl)

	bus.EXPECT().Unbind(gomock.Any(), "carol").Return(errFlaky).Times(1)

	err := broker.NewRetrying(bus, fastPolicy(), log).Unbind(context.Background(), "carol")
	req.ErrorIs(err, errFlaky)
}

func TestRetrying_ClosedBusIsPermanent(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockBus(ctrl)

	bus.EXPECT().Bind(gomock.Any(), "dave").Return(broker.ErrClosed).Times(1)

	err := broker.NewRetrying(bus, fastPolicy(), log).Bind(context.Background(), "dave")
	req.ErrorIs(err, broker.ErrClosed)
}

func TestFanout_PublishFailureIsReportedPerRecipient(t *testing.T) {
	req := require.New(t)
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	ctrl := gomock.NewController(t)
	bus := mocks.NewMockBus(ctrl)
	alice, bob := uuid.New(), uuid.New()

	// Given publishing to alice fails and to bob succeeds
	bus.EXPECT().Publish(gomock.Any(), alice.String(), gomock.Any()).Return(errFlaky)
	bus.EXPECT().Publish(gomock.Any(), bob.String(), gomock.Any()).Return(nil)

	ch, err := domain.NewDirectChannel(alice, bob, time.Now())
	req.NoError(err)

	// When the chat is announced
	err = broker.NewFanout(bus, log).Notify(context.Background(), domain.NewChatEvent(ch))

	// Then the publish to bob still happens and the failure surfaces
	req.ErrorIs(err, errFlaky)
}
