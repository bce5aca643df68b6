// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_DeliversToMatchingSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	defer sub.Unsubscribe()

	b.Publish("run-1", KindStepStarted, map[string]any{"ordinal": 0}, time.Now())

	select {
	case ev := <-sub.Events():
		assert.Equal(t, KindStepStarted, ev.Kind)
		assert.Equal(t, uint64(1), ev.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_DoesNotDeliverToOtherRun(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	defer sub.Unsubscribe()

	b.Publish("run-2", KindStepStarted, nil, time.Now())

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_WildcardSubscriberSeesEveryRun(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer sub.Unsubscribe()

	b.Publish("run-1", KindStepStarted, nil, time.Now())
	b.Publish("run-2", KindRunStatusChanged, nil, time.Now())

	for i := 0; i < 2; i++ {
		select {
		case <-sub.Events():
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBus_SequenceIsMonotonicPerRun(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	defer sub.Unsubscribe()

	b.Publish("run-1", KindStepStarted, nil, time.Now())
	b.Publish("run-1", KindStepFinished, nil, time.Now())
	b.Publish("run-2", KindStepStarted, nil, time.Now()) // independent sequence

	ev1 := <-sub.Events()
	ev2 := <-sub.Events()
	assert.Equal(t, uint64(1), ev1.Sequence)
	assert.Equal(t, uint64(2), ev2.Sequence)
}

func TestBus_SlowSubscriberIsDroppedNotBlocked(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	defer sub.Unsubscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish("run-1", KindStepStarted, nil, time.Now())
	}

	select {
	case n := <-sub.Lagged():
		assert.Greater(t, n, 0)
	case <-time.After(time.Second):
		t.Fatal("expected a Lagged marker after overflowing the buffer")
	}
}

func TestBus_SubscribeFromResumesAfterCursor(t *testing.T) {
	b := New()
	b.Publish("run-1", KindStepStarted, "a", time.Now())
	b.Publish("run-1", KindStepFinished, "b", time.Now())
	b.Publish("run-1", KindStepStarted, "c", time.Now())

	sub := b.SubscribeFrom("run-1", 1)
	defer sub.Unsubscribe()

	ev1 := <-sub.Events()
	ev2 := <-sub.Events()
	assert.Equal(t, uint64(2), ev1.Sequence)
	assert.Equal(t, uint64(3), ev2.Sequence)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	sub.Unsubscribe()

	require.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub.Events()
	assert.False(t, open)
}
