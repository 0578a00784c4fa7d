package control

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/netaudio/internal/protocol"
)

// pipeDevice is the far end of a net.Pipe: it decodes requests and lets the
// test decide when and how to answer.
type pipeDevice struct {
	nc       net.Conn
	requests chan *protocol.Message
}

func newPipePair(t *testing.T, opts ConnOptions) (*Conn, *pipeDevice) {
	t.Helper()
	client, device := net.Pipe()
	d := &pipeDevice{nc: device, requests: make(chan *protocol.Message, 16)}
	go d.read()
	c := NewConn("pipe", client, opts)
	t.Cleanup(func() {
		c.Close()
		device.Close()
	})
	return c, d
}

func (d *pipeDevice) read() {
	var dec protocol.Decoder
	buf := make([]byte, 4096)
	for {
		n, err := d.nc.Read(buf)
		if err != nil {
			close(d.requests)
			return
		}
		dec.Write(buf[:n])
		for {
			msg, err := dec.Next()
			if err != nil {
				break
			}
			d.requests <- msg
		}
	}
}

func (d *pipeDevice) next(t *testing.T) *protocol.Message {
	t.Helper()
	select {
	case m := <-d.requests:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("device received no request")
		return nil
	}
}

func (d *pipeDevice) reply(t *testing.T, m *protocol.Message) {
	t.Helper()
	_, err := d.nc.Write(protocol.Encode(m))
	require.NoError(t, err)
}

func TestConnMatchesResponsesBySequence(t *testing.T) {
	c, dev := newPipePair(t, ConnOptions{})

	type answer struct {
		body string
		err  error
	}
	results := make([]answer, 2)
	var wg sync.WaitGroup
	for i, marker := range []string{"first", "second"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := &protocol.Message{Opcode: protocol.OpDeviceName, Body: []byte(marker)}
			resp, err := c.Request(context.Background(), KindQuery, msg, 2*time.Second)
			if err != nil {
				results[i] = answer{err: err}
				return
			}
			results[i] = answer{body: string(resp.Body)}
		}()
	}

	a, b := dev.next(t), dev.next(t)
	assert.NotEqual(t, a.Sequence, b.Sequence)
	assert.NotZero(t, a.Sequence)
	assert.NotZero(t, b.Sequence)

	// Answer in reverse order, echoing each request's body.
	dev.reply(t, protocol.BuildResponse(b, protocol.StatusOK, b.Body))
	dev.reply(t, protocol.BuildResponse(a, protocol.StatusOK, a.Body))
	wg.Wait()

	require.NoError(t, results[0].err)
	require.NoError(t, results[1].err)
	assert.Equal(t, "first", results[0].body)
	assert.Equal(t, "second", results[1].body)
	assert.Empty(t, c.Pending())
}

func TestConnTimeoutAndLateResponse(t *testing.T) {
	c, dev := newPipePair(t, ConnOptions{})

	_, err := c.Request(context.Background(), KindQuery, protocol.BuildChannelCountQuery(), 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.True(t, errors.Is(err, ErrTimedOut))
	assert.True(t, IsRetryable(err))
	assert.Empty(t, c.Pending())

	late := dev.next(t)
	dev.reply(t, protocol.BuildChannelCountResponse(late, protocol.ChannelCounts{Tx: 9}))

	done := make(chan struct{})
	var resp *protocol.Message
	go func() {
		defer close(done)
		resp, err = c.Request(context.Background(), KindQuery, protocol.BuildChannelCountQuery(), 2*time.Second)
	}()
	req := dev.next(t)
	assert.NotEqual(t, late.Sequence, req.Sequence)
	dev.reply(t, protocol.BuildChannelCountResponse(req, protocol.ChannelCounts{Tx: 2, Rx: 4}))
	<-done

	require.NoError(t, err)
	counts, err := protocol.ParseChannelCount(resp)
	require.NoError(t, err)
	assert.Equal(t, protocol.ChannelCounts{Tx: 2, Rx: 4}, counts)
}

func TestConnLostFailsPending(t *testing.T) {
	var closedWith error
	closed := make(chan struct{})
	c, dev := newPipePair(t, ConnOptions{OnClose: func(err error) {
		closedWith = err
		close(closed)
	}})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), KindSubscribe, protocol.BuildUnsubscribe(protocol.Firmware4_4_1_3, 1), 5*time.Second)
		errc <- err
	}()
	dev.next(t)
	dev.nc.Close()

	select {
	case err := <-errc:
		assert.True(t, IsConnectionLost(err), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed after connection loss")
	}
	<-closed
	assert.Error(t, closedWith)
	assert.True(t, c.Closed())

	_, err := c.Request(context.Background(), KindQuery, protocol.BuildChannelCountQuery(), time.Second)
	assert.True(t, IsConnectionLost(err))
}

func TestConnCloseFailsPending(t *testing.T) {
	c, dev := newPipePair(t, ConnOptions{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), KindQuery, protocol.BuildChannelCountQuery(), 5*time.Second)
		errc <- err
	}()
	dev.next(t)
	require.NoError(t, c.Close())

	err := <-errc
	assert.True(t, errors.Is(err, ErrConnectionLost), "got %v", err)
	assert.NoError(t, c.Err())
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed")
	}
}

func TestConnForwardsNotifications(t *testing.T) {
	got := make(chan protocol.Notification, 1)
	_, dev := newPipePair(t, ConnOptions{OnNotification: func(n protocol.Notification) { got <- n }})

	dev.reply(t, protocol.BuildNotification(protocol.ChangeSubscriptions))

	select {
	case n := <-got:
		assert.Equal(t, protocol.ChangeSubscriptions, n.Change)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not forwarded")
	}
}

func TestConnOpcodeMismatch(t *testing.T) {
	c, dev := newPipePair(t, ConnOptions{})

	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), KindQuery, protocol.BuildChannelCountQuery(), 2*time.Second)
		errc <- err
	}()
	req := dev.next(t)
	dev.reply(t, &protocol.Message{Sequence: req.Sequence, Opcode: protocol.OpDeviceName, Status: protocol.StatusOK})

	err := <-errc
	assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
	assert.True(t, errors.Is(err, protocol.ErrMalformedMessage))
}

func TestConnReassemblesSplitResponses(t *testing.T) {
	c, dev := newPipePair(t, ConnOptions{})

	done := make(chan error, 1)
	var resp *protocol.Message
	go func() {
		var err error
		resp, err = c.Request(context.Background(), KindQuery, protocol.BuildChannelNamesQuery(protocol.Transmit, 1), 2*time.Second)
		done <- err
	}()
	req := dev.next(t)
	data := protocol.Encode(protocol.BuildChannelNamesResponse(req, []protocol.ChannelEntry{{Number: 1, Name: "Kick"}, {Number: 2, Name: "Snare"}}))

	// Garbage first, then the message in three pieces.
	for _, chunk := range [][]byte{{0xff, 0x00}, data[:3], data[3:11], data[11:]} {
		_, err := dev.nc.Write(chunk)
		require.NoError(t, err)
	}

	require.NoError(t, <-done)
	_, entries, err := protocol.ParseChannelNames(resp)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "Snare", entries[1].Name)
}

func TestConnCancelStopsWaiting(t *testing.T) {
	c, dev := newPipePair(t, ConnOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, KindQuery, protocol.BuildChannelCountQuery(), 5*time.Second)
		errc <- err
	}()
	dev.next(t)
	cancel()

	assert.ErrorIs(t, <-errc, context.Canceled)
	assert.Empty(t, c.Pending())
	assert.False(t, c.Closed())
}

func TestConnSequenceSkipsZeroAndBusyIDs(t *testing.T) {
	client, device := net.Pipe()
	defer device.Close()
	c := NewConn("pipe", client, ConnOptions{})
	defer c.Close()

	c.mu.Lock()
	c.lastSeq = 0xFFFE
	c.pending[1] = &PendingRequest{Sequence: 1, done: make(chan result, 1)}
	c.mu.Unlock()

	p, err := c.register(KindQuery, protocol.OpChannelCount)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xFFFF), p.Sequence)

	p, err = c.register(KindQuery, protocol.OpChannelCount)
	require.NoError(t, err)
	assert.Equal(t, uint16(2), p.Sequence, "sequence must skip 0 and the busy id 1")
}
