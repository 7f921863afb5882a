package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/AzielCF/az-inbox/domains/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeConn struct {
	mu      sync.Mutex
	frames  []Frame
	block   chan struct{}
	failErr error
	closed  bool
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return c.failErr
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.frames...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// memoryBroker connects hubs in one test process.
type memoryBroker struct {
	mu   sync.Mutex
	subs []func([]byte)
	fail error
}

func (b *memoryBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := append(([]func([]byte))(nil), b.subs...)
	fail := b.fail
	b.mu.Unlock()
	if fail != nil {
		return fail
	}
	for _, fn := range subs {
		fn(payload)
	}
	return nil
}

func (b *memoryBroker) Subscribe(ctx context.Context, channel string, fn func([]byte)) error {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (b *memoryBroker) subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func sessionEvent(id int, status string) realtime.Event {
	return realtime.Event{Action: realtime.ActionUpdate, Session: &realtime.SessionPayload{ID: id, Status: status}}
}

func TestHub_DeliversOnlyToTopicRoom(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewHub("srv-a", nil)

	tenant1 := &fakeConn{}
	tenant2 := &fakeConn{}
	s1 := hub.Join(tenant1, realtime.SessionTopic(1), realtime.MessageTopic(1))
	s2 := hub.Join(tenant2, realtime.SessionTopic(2))
	defer hub.Leave(s1)
	defer hub.Leave(s2)

	require.NoError(t, hub.Publish(context.Background(), realtime.SessionTopic(1), sessionEvent(10, "QRCODE")))

	require.Eventually(t, func() bool { return len(tenant1.received()) == 1 }, time.Second, 5*time.Millisecond)
	f := tenant1.received()[0]
	assert.Equal(t, "tenant:1:session", f.Topic)
	assert.Equal(t, realtime.ActionUpdate, f.Action)
	assert.Equal(t, 10, f.Session.ID)
	assert.Equal(t, "QRCODE", f.Session.Status)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, tenant2.received())
}

func TestHub_PublishDoesNotBlockOnSlowSubscriber(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewHub("srv-a", nil)
	hub.buffer = 2

	slow := &fakeConn{block: make(chan struct{})}
	s := hub.Join(slow, "room")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_ = hub.Publish(context.Background(), "room", sessionEvent(i, "OPENING"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	close(slow.block)
	hub.Leave(s)
	assert.Less(t, len(slow.received()), 50)
}

func TestHub_LeaveAndWriteFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	hub := NewHub("srv-a", nil)

	ok := &fakeConn{}
	broken := &fakeConn{failErr: errors.New("broken pipe")}
	sOK := hub.Join(ok, "room")
	hub.Join(broken, "room")
	assert.Equal(t, 2, hub.Subscribers("room"))

	require.NoError(t, hub.Publish(context.Background(), "room", sessionEvent(1, "CONNECTED")))
	require.Eventually(t, broken.isClosed, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return hub.Subscribers("room") == 1 }, time.Second, 5*time.Millisecond)

	hub.Leave(sOK)
	hub.Leave(sOK)
	assert.Equal(t, 0, hub.Subscribers("room"))
}

func TestHub_PropagatesThroughBrokerWithoutLoops(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx, cancel := context.WithCancel(context.Background())
	broker := &memoryBroker{}

	hubA := NewHub("srv-a", broker)
	hubB := NewHub("srv-b", broker)

	var wg sync.WaitGroup
	for _, h := range []*Hub{hubA, hubB} {
		wg.Add(1)
		go func(h *Hub) {
			defer wg.Done()
			h.Run(ctx)
		}(h)
	}
	require.Eventually(t, func() bool { return broker.subscribers() == 2 }, time.Second, 5*time.Millisecond)

	onA := &fakeConn{}
	onB := &fakeConn{}
	sA := hubA.Join(onA, realtime.MessageTopic(3))
	sB := hubB.Join(onB, realtime.MessageTopic(3))

	event := realtime.Event{Action: realtime.ActionCreate, Message: &realtime.MessagePayload{ID: "m1", SessionID: 7, Body: "hi"}}
	require.NoError(t, hubA.Publish(ctx, realtime.MessageTopic(3), event))

	require.Eventually(t, func() bool { return len(onB.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "hi", onB.received()[0].Message.Body)
	assert.Equal(t, 7, onB.received()[0].Message.SessionID)

	time.Sleep(20 * time.Millisecond)
	assert.Len(t, onA.received(), 1, "the sender's own broadcast is not delivered twice")

	hubA.Leave(sA)
	hubB.Leave(sB)
	cancel()
	wg.Wait()
}

func TestHub_BrokerFailureStillDeliversLocally(t *testing.T) {
	defer goleak.VerifyNone(t)
	broker := &memoryBroker{fail: errors.New("valkey down")}
	hub := NewHub("srv-a", broker)

	local := &fakeConn{}
	s := hub.Join(local, "room")
	defer hub.Leave(s)

	err := hub.Publish(context.Background(), "room", sessionEvent(1, "CLOSED"))
	assert.Error(t, err)
	require.Eventually(t, func() bool { return len(local.received()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_RunWithoutBrokerReturns(t *testing.T) {
	NewHub("srv-a", nil).Run(context.Background())
}
