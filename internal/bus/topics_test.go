package bus

import (
	"testing"
	"time"
)

func TestReinjectEvent_RoundTrip(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicTaskReinject, ReinjectEvent{
		TaskID: "tsk-abc123",
		ChatID: 42,
		UserID: 7,
		Prompt: "resumen del clima de mañana",
		Depth:  1,
	})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicTaskReinject {
			t.Fatalf("topic = %q", ev.Topic)
		}
		ri, ok := ev.Payload.(ReinjectEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if ri.TaskID != "tsk-abc123" || ri.Depth != 1 {
			t.Fatalf("payload = %+v", ri)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reinject event")
	}
}

func TestSecurityTopics_NotCaughtByTaskPrefix(t *testing.T) {
	b := New()
	sub := b.Subscribe("task.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicSecurityDenied, MessageEvent{ChatID: 1})

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %q on task. subscription", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}
