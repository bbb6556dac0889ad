/*
Copyright 2024 The go-amqp-cbs Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cbsauth

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/Azure/go-amqp-cbs/internal/workqueue"
	"github.com/Azure/go-amqp-cbs/pkg/amqptransport"
	"github.com/Azure/go-amqp-cbs/pkg/cbsmetrics"
)

const receiverCredit = 50

const (
	slotPending int32 = iota
	slotCancelled
	slotFailed
	slotCompleted
)

// requestSlot is spec.md §3's RequestSlot. Every field but state is only
// ever written once, by whichever work item wins the CAS on state; readers
// outside that work item only observe the fields after <-done has been
// closed, which happens-after the write.
type requestSlot struct {
	state    atomic.Int32
	done     chan struct{}
	response *amqptransport.Message
	err      error
}

func newRequestSlot() *requestSlot {
	return &requestSlot{done: make(chan struct{})}
}

// transition performs the slot's terminal transition exactly once. It must
// only be called from the serializer (RequestClient.queue's drainer), which
// is what makes writing response/err without a lock safe.
func (s *requestSlot) transition(target int32, resp *amqptransport.Message, err error) bool {
	if !s.state.CompareAndSwap(slotPending, target) {
		return false
	}
	s.response = resp
	s.err = err
	close(s.done)
	return true
}

// RequestClient is spec.md §4.2's request/response engine (C2): a pair of
// AMQP links (a sender for requests, a receiver for replies) with a
// correlation map maintained entirely on a single-threaded work serializer.
type RequestClient struct {
	nodeName string
	conn     amqptransport.Connection
	newSess  amqptransport.SessionFactory
	logger   logr.Logger
	metrics  *cbsmetrics.Metrics

	queue workqueue.Queue
	seq   atomic.Uint64
	closed atomic.Bool

	// Owned exclusively by the serializer: a fresh link trio rebuild, the
	// correlation map, and the receive-loop's generation token all live
	// here with no lock because only the drainer touches them.
	session  amqptransport.Session
	sender   amqptransport.Sender
	receiver amqptransport.Receiver
	pending  map[string]*requestSlot
	recvGen  int
}

// NewRequestClient builds a RequestClient over nodeName (the CBS node, e.g.
// "$cbs"). conn is consulted for IsClosed; newSess opens a fresh Session
// when the link trio needs rebuilding.
func NewRequestClient(nodeName string, conn amqptransport.Connection, newSess amqptransport.SessionFactory, logger logr.Logger, metrics *cbsmetrics.Metrics) *RequestClient {
	return &RequestClient{
		nodeName: nodeName,
		conn:     conn,
		newSess:  newSess,
		logger:   logger.WithValues("node", nodeName),
		metrics:  metrics,
		pending:  make(map[string]*requestSlot),
	}
}

// SendAsync stamps req's message-id/reply-to, correlates it, sends it on
// the request link and blocks until a matching response arrives, ctx is
// cancelled, or the client closes.
func (c *RequestClient) SendAsync(ctx context.Context, req *amqptransport.Message) (*amqptransport.Message, error) {
	if c.closed.Load() {
		return nil, ErrDisposed
	}
	if c.conn.IsClosed() {
		return nil, ErrInvalidOperation
	}
	if req.MessageID != "" || req.ReplyTo != "" {
		return nil, ErrInvalidOperation
	}

	req.MessageID = amqptransport.NewMessageID(c.nodeName, c.seq.Add(1))
	req.ReplyTo = c.nodeName + ".reply-to"

	slot := newRequestSlot()
	stop := context.AfterFunc(ctx, func() {
		c.queue.Enqueue(func() { c.completeIfPending(req.MessageID, slot, slotCancelled, nil, ErrCancelled) })
	})
	defer stop()

	c.queue.Enqueue(func() { c.start(ctx, req, slot) })

	<-slot.done
	if c.metrics != nil {
		c.metrics.ObserveRequest(slot.err == nil)
	}
	return slot.response, slot.err
}

// start is the "Start" work body (spec.md §4.2): it attaches the link trio
// if needed, inserts slot into the correlation map, and sends the request.
func (c *RequestClient) start(ctx context.Context, req *amqptransport.Message, slot *requestSlot) {
	if !c.setup(ctx) {
		slot.transition(slotCancelled, nil, ErrCancelled)
		return
	}
	if slot.state.Load() != slotPending {
		return // cancelled before Start ran; never enters the correlation map
	}
	c.pending[req.MessageID] = slot
	if c.metrics != nil {
		c.metrics.SetInFlight(len(c.pending))
	}

	// The transport send is dispatched off the serializer so a slow or
	// stuck peer can't stall every other queued request; a send failure
	// fails this slot specifically instead of leaving it in the map until
	// cancellation (spec.md §9's open question about unacknowledged sends).
	sender := c.sender
	go func() {
		if err := sender.Send(ctx, req); err != nil {
			c.queue.Enqueue(func() { c.completeIfPending(req.MessageID, slot, slotFailed, nil, err) })
		}
	}()
}

// completeIfPending performs a terminal transition for a slot that may have
// originated off the serializer (cancellation callback, failed send). It
// must run on the serializer: it removes the slot from the correlation map
// under the same no-lock invariant as every other map mutation.
func (c *RequestClient) completeIfPending(messageID string, slot *requestSlot, target int32, resp *amqptransport.Message, err error) {
	if !slot.transition(target, resp, err) {
		return
	}
	if cur, ok := c.pending[messageID]; ok && cur == slot {
		delete(c.pending, messageID)
		if c.metrics != nil {
			c.metrics.SetInFlight(len(c.pending))
		}
	}
}

// setup is spec.md §4.2's link re-attach policy. It must be called from the
// serializer. It returns false if the client or connection is closed,
// matching "the client is going away".
func (c *RequestClient) setup(ctx context.Context) bool {
	if c.closed.Load() || c.conn.IsClosed() {
		return false
	}
	if c.session != nil && !c.session.IsClosed() &&
		c.sender != nil && !c.sender.IsClosed() &&
		c.receiver != nil && !c.receiver.IsClosed() {
		return true
	}

	if c.session != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = c.session.Close(closeCtx)
		cancel()
	}
	c.session, c.sender, c.receiver = nil, nil, nil

	sess, err := c.newSess(ctx)
	if err != nil {
		c.logger.Error(err, "failed to open session for CBS request client")
		return false
	}
	sender, err := sess.NewSender(ctx, c.nodeName)
	if err != nil {
		c.logger.Error(err, "failed to attach CBS request sender")
		return false
	}
	replyTo := c.nodeName + ".reply-to"
	receiver, err := sess.NewReceiver(ctx, c.nodeName, replyTo, receiverCredit)
	if err != nil {
		c.logger.Error(err, "failed to attach CBS reply receiver")
		return false
	}

	c.session, c.sender, c.receiver = sess, sender, receiver
	c.recvGen++
	go c.receiveLoop(receiver, c.recvGen)
	c.logger.V(1).Info("CBS request/response link pair attached")
	return true
}

// receiveLoop runs on its own goroutine for the lifetime of one receiver
// attach. gen pins it to that attach: once setup rebuilds the trio and
// bumps recvGen, complete drops a stale loop's enqueued items because their
// gen no longer matches. setup cancels no slots; a request sent on the
// torn-down link stays in the correlation map until its ctx is cancelled or
// the client closes. The loop exits on any Receive error, which includes the
// receiver closing.
func (c *RequestClient) receiveLoop(receiver amqptransport.Receiver, gen int) {
	ctx := context.Background()
	for {
		msg, err := receiver.Receive(ctx)
		if err != nil {
			return
		}
		_ = receiver.Accept(ctx, msg)
		c.queue.Enqueue(func() { c.complete(msg, gen) })
	}
}

// complete is the "Complete" work body: it looks up the slot by
// correlation-id and either resolves it or silently disposes of a late or
// spurious response.
func (c *RequestClient) complete(msg *amqptransport.Message, gen int) {
	if gen != c.recvGen {
		return // superseded by a later link rebuild; response belongs to a torn-down receiver
	}
	slot, ok := c.pending[msg.CorrelationID]
	if !ok {
		return // unknown correlation-id: late or spurious, dispose silently
	}
	delete(c.pending, msg.CorrelationID)
	if c.metrics != nil {
		c.metrics.SetInFlight(len(c.pending))
	}
	slot.transition(slotCompleted, msg, nil)
}

// Close cancels every outstanding request and clears the correlation map.
func (c *RequestClient) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	done := make(chan struct{})
	c.queue.Enqueue(func() {
		for id, slot := range c.pending {
			slot.transition(slotCancelled, nil, ErrDisposed)
			delete(c.pending, id)
		}
		if c.session != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = c.session.Close(closeCtx)
			cancel()
		}
		close(done)
	})
	<-done
}
