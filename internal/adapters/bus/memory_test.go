package bus_test

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/tutorhq/retention/internal/adapters/bus"
)

func TestMemoryBus(t *testing.T) {
	ctx := context.Background()
	const group = "retention-core"

	Convey("Given an in-memory bus", t, func() {
		b := bus.NewMemoryBus()

		Convey("When a payload is published and consumed", func() {
			id, err := b.Publish(ctx, bus.StreamSessions, []byte(`{"n":1}`))
			So(err, ShouldBeNil)
			So(id, ShouldNotBeEmpty)

			msgs, err := b.Consume(ctx, bus.StreamSessions, group, "c1", 10, 50*time.Millisecond)
			So(err, ShouldBeNil)

			Convey("Then the message comes back with delivery count one", func() {
				So(msgs, ShouldHaveLength, 1)
				So(msgs[0].ID, ShouldEqual, id)
				So(msgs[0].Payload, ShouldResemble, []byte(`{"n":1}`))
				So(msgs[0].Deliveries, ShouldEqual, 1)
			})

			Convey("And it counts as backlog until acked", func() {
				depth, err := b.Backlog(ctx, bus.StreamSessions, group)
				So(err, ShouldBeNil)
				So(depth, ShouldEqual, 1)

				So(b.Ack(ctx, bus.StreamSessions, group, msgs[0].ID), ShouldBeNil)
				depth, err = b.Backlog(ctx, bus.StreamSessions, group)
				So(err, ShouldBeNil)
				So(depth, ShouldEqual, 0)
			})

			Convey("And acking twice is harmless", func() {
				So(b.Ack(ctx, bus.StreamSessions, group, msgs[0].ID), ShouldBeNil)
				So(b.Ack(ctx, bus.StreamSessions, group, msgs[0].ID), ShouldBeNil)
				So(b.Ack(ctx, bus.StreamSessions, group, "unknown-id"), ShouldBeNil)
			})

			Convey("And an acked message is never redelivered", func() {
				So(b.Ack(ctx, bus.StreamSessions, group, msgs[0].ID), ShouldBeNil)
				again, err := b.Consume(ctx, bus.StreamSessions, group, "c1", 10, 20*time.Millisecond)
				So(err, ShouldBeNil)
				So(again, ShouldBeEmpty)
			})
		})

		Convey("When consuming an empty stream", func() {
			msgs, err := b.Consume(ctx, bus.StreamSessions, group, "c1", 10, 20*time.Millisecond)

			Convey("Then the poll returns empty after the block window", func() {
				So(err, ShouldBeNil)
				So(msgs, ShouldBeEmpty)
			})
		})

		Convey("When the bus is closed", func() {
			So(b.Close(), ShouldBeNil)

			Convey("Then operations are rejected", func() {
				_, err := b.Publish(ctx, bus.StreamSessions, []byte("x"))
				So(err, ShouldEqual, bus.ErrClosed)
			})
		})
	})

	Convey("Given a bus with a driven clock", t, func() {
		b := bus.NewMemoryBus(
			bus.WithVisibilityTimeout(time.Minute),
			bus.WithMaxDeliveries(2),
		)
		now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
		b.SetClock(func() time.Time { return now })

		_, err := b.Publish(ctx, bus.StreamSessions, []byte("poison"))
		So(err, ShouldBeNil)

		first, err := b.Consume(ctx, bus.StreamSessions, group, "c1", 10, 20*time.Millisecond)
		So(err, ShouldBeNil)
		So(first, ShouldHaveLength, 1)

		Convey("When the visibility timeout has not lapsed", func() {
			msgs, err := b.Consume(ctx, bus.StreamSessions, group, "c1", 10, 20*time.Millisecond)

			Convey("Then the unacked message is not redelivered yet", func() {
				So(err, ShouldBeNil)
				So(msgs, ShouldBeEmpty)
			})
		})

		Convey("When the visibility timeout lapses without an ack", func() {
			now = now.Add(2 * time.Minute)
			msgs, err := b.Consume(ctx, bus.StreamSessions, group, "c2", 10, 20*time.Millisecond)

			Convey("Then the message is redelivered with a bumped count", func() {
				So(err, ShouldBeNil)
				So(msgs, ShouldHaveLength, 1)
				So(msgs[0].Deliveries, ShouldEqual, 2)
			})
		})

		Convey("When the message exhausts its deliveries", func() {
			now = now.Add(2 * time.Minute)
			second, err := b.Consume(ctx, bus.StreamSessions, group, "c1", 10, 20*time.Millisecond)
			So(err, ShouldBeNil)
			So(second, ShouldHaveLength, 1)

			now = now.Add(2 * time.Minute)
			third, err := b.Consume(ctx, bus.StreamSessions, group, "c1", 10, 20*time.Millisecond)

			Convey("Then it routes to the dead-letter stream instead", func() {
				So(err, ShouldBeNil)
				So(third, ShouldBeEmpty)
				So(b.Len(bus.StreamSessions+bus.DeadLetterSuffix), ShouldEqual, 1)

				depth, err := b.Backlog(ctx, bus.StreamSessions, group)
				So(err, ShouldBeNil)
				So(depth, ShouldEqual, 0)
			})
		})
	})
}
