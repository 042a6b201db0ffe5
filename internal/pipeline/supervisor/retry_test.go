package supervisor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/tutorhq/retention/internal/pipeline/supervisor"
)

func TestRetry(t *testing.T) {
	ctx := context.Background()
	policy := supervisor.RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}

	Convey("Given an operation that succeeds immediately", t, func() {
		calls := 0
		err := supervisor.Retry(ctx, policy, "op", func(ctx context.Context) error {
			calls++
			return nil
		})

		Convey("Then it runs exactly once", func() {
			So(err, ShouldBeNil)
			So(calls, ShouldEqual, 1)
		})
	})

	Convey("Given an operation that recovers on the second try", t, func() {
		calls := 0
		err := supervisor.Retry(ctx, policy, "op", func(ctx context.Context) error {
			calls++
			if calls < 2 {
				return errors.New("transient")
			}
			return nil
		})

		Convey("Then the retry succeeds", func() {
			So(err, ShouldBeNil)
			So(calls, ShouldEqual, 2)
		})
	})

	Convey("Given an operation that always fails", t, func() {
		boom := errors.New("broken")
		calls := 0
		err := supervisor.Retry(ctx, policy, "op", func(ctx context.Context) error {
			calls++
			return boom
		})

		Convey("Then the attempt budget bounds the retries", func() {
			So(calls, ShouldEqual, 3)
			So(errors.Is(err, boom), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "after 3 attempts")
		})
	})

	Convey("Given a context cancelled mid-backoff", t, func() {
		cancelled, cancel := context.WithCancel(ctx)
		calls := 0
		err := supervisor.Retry(cancelled, supervisor.RetryPolicy{Attempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}, "op", func(ctx context.Context) error {
			calls++
			cancel()
			return errors.New("transient")
		})

		Convey("Then the cancellation wins over further attempts", func() {
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			So(calls, ShouldEqual, 1)
		})
	})

	Convey("Given a degenerate policy", t, func() {
		calls := 0
		err := supervisor.Retry(ctx, supervisor.RetryPolicy{}, "op", func(ctx context.Context) error {
			calls++
			return errors.New("nope")
		})

		Convey("Then it still runs at least once", func() {
			So(calls, ShouldEqual, 1)
			So(err, ShouldNotBeNil)
		})
	})
}
