package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/hashicorp/go-multierror"
)

type pingCloser interface {
	Ping(context.Context) error
	Close() error
}

// lastSuccessful remembers the factory that worked last time, so that
// the next auto-selection tries it first.
type lastSuccessful[F comparable] struct {
	locker  sync.Mutex
	factory F
}

func (l *lastSuccessful[F]) get() F {
	l.locker.Lock()
	defer l.locker.Unlock()
	return l.factory
}

func (l *lastSuccessful[F]) set(factory F) {
	l.locker.Lock()
	defer l.locker.Unlock()
	l.factory = factory
}

func autoSelect[F comparable, T pingCloser](
	ctx context.Context,
	last *lastSuccessful[F],
	factories []F,
	newFn func(F) (T, error),
) (T, error) {
	var zeroFactory F
	if factory := last.get(); factory != zeroFactory {
		factories = append([]F{factory}, factories...)
	}

	var (
		zeroValue T
		mErr      *multierror.Error
	)
	for _, factory := range factories {
		backend, err := newFn(factory)
		logger.Debugf(ctx, "initializing %T result is %v", factory, err)
		if err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to initialize %T: %w", factory, err))
			continue
		}

		err = backend.Ping(ctx)
		logger.Debugf(ctx, "pinging %T result is %v", backend, err)
		if err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("unable to ping %T: %w", backend, err))
			_ = backend.Close()
			continue
		}

		last.set(factory)
		return backend, nil
	}
	if mErr == nil {
		return zeroValue, fmt.Errorf("no backends registered")
	}
	return zeroValue, mErr.ErrorOrNil()
}
