package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/me/gpubroker/pkg/model"
)

func testBus() *Bus {
	return NewBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishSubscribe(t *testing.T) {
	b := testBus()
	sub := b.Subscribe(model.JobTopic("job_1"))
	defer sub.Close()

	b.Publish(model.JobTopic("job_1"), model.Event{
		Type:   model.EventJobStatus,
		JobID:  "job_1",
		Status: string(model.JobStatusMatched),
	})

	select {
	case ev := <-sub.C:
		if ev.Type != model.EventJobStatus || ev.JobID != "job_1" {
			t.Errorf("event = %+v", ev)
		}
		if ev.At.IsZero() {
			t.Error("publish should stamp At")
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	b := testBus()
	jobSub := b.Subscribe(model.JobTopic("job_1"))
	hostSub := b.Subscribe(model.HostTopic("rig-1"))
	defer jobSub.Close()
	defer hostSub.Close()

	b.Publish(model.HostTopic("rig-1"), model.Event{Type: model.EventAssignment, HostID: "rig-1"})

	select {
	case <-hostSub.C:
	case <-time.After(time.Second):
		t.Fatal("host subscriber got nothing")
	}

	select {
	case ev := <-jobSub.C:
		t.Errorf("job subscriber received host event: %+v", ev)
	default:
	}
}

func TestAllSubscribersReceive(t *testing.T) {
	b := testBus()
	a := b.Subscribe(model.JobTopic("job_1"))
	c := b.Subscribe(model.JobTopic("job_1"))
	defer a.Close()
	defer c.Close()

	b.Publish(model.JobTopic("job_1"), model.Event{Type: model.EventJobStatus})

	for _, sub := range []*Subscription{a, c} {
		select {
		case <-sub.C:
		case <-time.After(time.Second):
			t.Fatal("subscriber missed event")
		}
	}
}

func TestClose_StopsDelivery(t *testing.T) {
	b := testBus()
	sub := b.Subscribe(model.JobTopic("job_1"))
	sub.Close()

	if n := b.SubscriberCount(model.JobTopic("job_1")); n != 0 {
		t.Errorf("subscribers after close = %d", n)
	}

	// Publishing after close must not panic or deliver.
	b.Publish(model.JobTopic("job_1"), model.Event{Type: model.EventJobStatus})

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed")
	}

	// Double close is a no-op.
	sub.Close()
}

func TestPublish_DoesNotBlockOnSlowSubscriber(t *testing.T) {
	b := testBus()
	sub := b.Subscribe(model.JobTopic("job_1"))
	defer sub.Close()

	// Overfill the buffer; Publish must return anyway.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriptionBuffer+10; i++ {
			b.Publish(model.JobTopic("job_1"), model.Event{Type: model.EventJobStatus})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}
