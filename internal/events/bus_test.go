package events

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	bus.Publish(New(JobCreated, map[string]string{"job_id": "j1"}))

	evA := <-a
	evB := <-b
	assert.Equal(t, JobCreated, evA.Kind)
	assert.Equal(t, JobCreated, evB.Kind)
	assert.False(t, evA.Timestamp.IsZero())
}

func TestBus_SlowSubscriberDropped(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(New(JobStatus, nil))
	bus.Publish(New(JobStatus, nil))

	assert.Equal(t, 0, bus.Subscribers())
	<-ch
	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after drop")
}

func TestBus_CancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	cancel()
	cancel()
	assert.Equal(t, 0, bus.Subscribers())
}

func TestBus_CloseEndsSubscriptions(t *testing.T) {
	bus := NewBus()
	ch, _ := bus.Subscribe(1)
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")
}

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return c.err
}

func (c *fakeConn) Drain() error { return nil }

func TestNATSPublisher_Subject(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "robot_orch.", nil)

	p.Publish(New(DLQAdded, map[string]string{"id": "e1"}))

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "robot_orch.dlq.added", conn.subjects[0])

	var ev Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &ev))
	assert.Equal(t, DLQAdded, ev.Kind)
}

func TestNATSPublisher_ErrorIsSwallowed(t *testing.T) {
	conn := &fakeConn{err: errors.New("nats: connection closed")}
	p := NewNATSPublisher(conn, "", nil)

	p.Publish(New(JobStatus, nil))
	assert.Equal(t, []string{JobStatus}, conn.subjects)
}

func TestMulti(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()
	conn := &fakeConn{}

	Multi{bus, nil, NewNATSPublisher(conn, "x", nil)}.Publish(New(RobotStatus, nil))

	assert.Equal(t, RobotStatus, (<-ch).Kind)
	assert.Len(t, conn.subjects, 1)
}
