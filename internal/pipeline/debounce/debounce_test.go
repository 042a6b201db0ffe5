package debounce_test

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/tutorhq/retention/internal/pipeline/debounce"
)

// fireRecorder counts fires per key behind a mutex.
type fireRecorder struct {
	mu    sync.Mutex
	fires map[string]int
	done  chan struct{}
}

func newFireRecorder() *fireRecorder {
	return &fireRecorder{fires: make(map[string]int), done: make(chan struct{}, 16)}
}

func (r *fireRecorder) fire(key string) {
	r.mu.Lock()
	r.fires[key]++
	r.mu.Unlock()
	r.done <- struct{}{}
}

func (r *fireRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fires[key]
}

func (r *fireRecorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fire")
	}
}

func TestScheduler(t *testing.T) {
	Convey("Given a scheduler with a short interval", t, func() {
		rec := newFireRecorder()
		s := debounce.NewScheduler(rec.fire, debounce.WithInterval(30*time.Millisecond))

		Convey("When one key is triggered many times inside the window", func() {
			for i := 0; i < 10; i++ {
				s.Trigger("tutor-1")
			}
			rec.wait(t)

			Convey("Then it fires exactly once", func() {
				So(rec.count("tutor-1"), ShouldEqual, 1)
				So(s.Len(), ShouldEqual, 0)
			})
		})

		Convey("When distinct keys are triggered", func() {
			s.Trigger("tutor-1")
			s.Trigger("tutor-2")
			rec.wait(t)
			rec.wait(t)

			Convey("Then each fires independently", func() {
				So(rec.count("tutor-1"), ShouldEqual, 1)
				So(rec.count("tutor-2"), ShouldEqual, 1)
			})
		})

		Convey("When a key is triggered again after its fire", func() {
			s.Trigger("tutor-1")
			rec.wait(t)
			s.Trigger("tutor-1")
			rec.wait(t)

			Convey("Then a fresh timer fires a second time", func() {
				So(rec.count("tutor-1"), ShouldEqual, 2)
			})
		})
	})

	Convey("Given a scheduler with pending timers", t, func() {
		rec := newFireRecorder()
		s := debounce.NewScheduler(rec.fire, debounce.WithInterval(time.Hour))
		s.Trigger("tutor-1")
		s.Trigger("tutor-2")
		So(s.Len(), ShouldEqual, 2)

		Convey("When flushed", func() {
			s.Flush(context.Background())

			Convey("Then every pending key fires synchronously", func() {
				So(rec.count("tutor-1"), ShouldEqual, 1)
				So(rec.count("tutor-2"), ShouldEqual, 1)
				So(s.Len(), ShouldEqual, 0)
			})

			Convey("And later triggers are ignored", func() {
				s.Trigger("tutor-3")
				So(s.Len(), ShouldEqual, 0)
			})
		})

		Convey("When flushed with an expired context", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			s.Flush(ctx)

			Convey("Then no pending work runs", func() {
				So(rec.count("tutor-1"), ShouldEqual, 0)
				So(rec.count("tutor-2"), ShouldEqual, 0)
			})
		})
	})
}
