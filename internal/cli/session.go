package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/viper"
	"github.com/vedran77/chatrelay/internal/auth"
	"github.com/vedran77/chatrelay/internal/client"
	"github.com/vedran77/chatrelay/internal/domain"
)

var errNoToken = errors.New("no token configured: run `chatctl token` or set CHATCTL_TOKEN")

func newSession(onEvent func(*domain.OutboundEvent)) (*client.Session, error) {
	token := viper.GetString("token")
	if token == "" {
		return nil, errNoToken
	}
	self, err := auth.Subject(token)
	if err != nil {
		return nil, err
	}

	log := logs.GetLoggerFromString(viper.GetString("log-level"))
	return client.NewSession(client.Options{
		URL:            viper.GetString("server"),
		Token:          token,
		Self:           self,
		RequestTimeout: viper.GetDuration("timeout"),
		DialTimeout:    viper.GetDuration("timeout"),
		OnEvent:        onEvent,
	}, log), nil
}

// startSession runs s in the background and returns once it is synced. The
// returned channel yields Run's result.
func startSession(ctx context.Context, s *client.Session) (<-chan error, error) {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	wctx, cancel := context.WithTimeout(ctx, viper.GetDuration("timeout"))
	defer cancel()
	synced := make(chan error, 1)
	go func() { synced <- s.WaitFor(wctx, client.Synced) }()

	select {
	case err := <-done:
		if err == nil {
			err = client.ErrNotConnected
		}
		return nil, err
	case err := <-synced:
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", viper.GetString("server"), err)
		}
		return done, nil
	}
}

// withSession connects, runs fn once synced and disconnects.
func withSession(ctx context.Context, fn func(context.Context, *client.Session) error) error {
	s, err := newSession(nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done, err := startSession(ctx, s)
	if err != nil {
		return err
	}

	err = fn(ctx, s)
	cancel()
	<-done
	return err
}
