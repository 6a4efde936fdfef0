package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(c *Client) []string {
	var out []string
	for {
		select {
		case f := <-c.Send():
			out = append(out, string(f))
		default:
			return out
		}
	}
}

func TestBroadcastReachesEveryRegisteredClient(t *testing.T) {
	m := NewManager(8, nil)
	a := m.Register("a", "127.0.0.1:1111")
	b := m.Register("b", "127.0.0.1:2222")

	n := m.Broadcast([]byte("<R0012345003F01DFF>"))
	assert.Equal(t, 2, n)

	assert.Equal(t, []string{"<R0012345003F01DFF>"}, drain(a))
	assert.Equal(t, []string{"<R0012345003F01DFF>"}, drain(b))
}

func TestClientOnlySeesFramesAfterRegistration(t *testing.T) {
	m := NewManager(8, nil)
	a := m.Register("a", "")

	m.Broadcast([]byte("first"))
	b := m.Register("b", "")
	m.Broadcast([]byte("second"))

	assert.Equal(t, []string{"first", "second"}, drain(a))
	assert.Equal(t, []string{"second"}, drain(b), "no frames from before registration")
}

func TestUnregisterStopsDelivery(t *testing.T) {
	m := NewManager(8, nil)
	a := m.Register("a", "")

	m.Broadcast([]byte("one"))
	m.Unregister("a")
	m.Broadcast([]byte("two"))

	assert.Equal(t, []string{"one"}, drain(a))
	assert.Equal(t, 0, m.Len())

	select {
	case <-a.Done():
	default:
		t.Fatal("unregistered client must observe Done")
	}
}

func TestUnregisterUnknownIsNoOp(t *testing.T) {
	m := NewManager(8, nil)
	m.Unregister("ghost")
	assert.Equal(t, 0, m.Len())
}

func TestSlowClientIsKickedNotBlockedOn(t *testing.T) {
	m := NewManager(2, nil)

	var kicked []string
	m.SetOverflowHandler(func(c *Client) { kicked = append(kicked, c.ID) })

	slow := m.Register("slow", "")
	fast := m.Register("fast", "")

	// Nobody drains slow; its cap is 2, so the third frame overflows.
	m.Broadcast([]byte("f1"))
	m.Broadcast([]byte("f2"))
	n := m.Broadcast([]byte("f3"))

	assert.Equal(t, 1, n, "third broadcast reaches only the healthy client")
	assert.Equal(t, []string{"slow"}, kicked)
	assert.EqualValues(t, 1, slow.Dropped.Load())
	assert.EqualValues(t, 1, m.Drops.Load())

	select {
	case <-slow.Done():
	default:
		t.Fatal("kicked client must observe Done")
	}

	assert.Equal(t, []string{"f1", "f2", "f3"}, drain(fast), "healthy client unaffected")
}

func TestBroadcastCopiesFrame(t *testing.T) {
	m := NewManager(8, nil)
	a := m.Register("a", "")

	frame := []byte("<E14L00I02MAK>")
	m.Broadcast(frame)
	frame[1] = 'X' // caller reuses its buffer

	got := drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, "<E14L00I02MAK>", got[0])
}

func TestCountersTrackDeliveries(t *testing.T) {
	m := NewManager(8, nil)
	a := m.Register("a", "")

	m.Broadcast([]byte("x"))
	m.Broadcast([]byte("y"))

	assert.EqualValues(t, 2, m.Broadcasts.Load())
	assert.EqualValues(t, 2, a.Delivered.Load())
	assert.EqualValues(t, 0, m.Drops.Load())
}
