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
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/go-amqp-cbs/pkg/amqptransport"
	"github.com/Azure/go-amqp-cbs/pkg/amqptransport/faketransport"
)

func newTestClient(t *testing.T) (*RequestClient, *faketransport.Conn, *faketransport.Session, *faketransport.Receiver) {
	t.Helper()
	conn := faketransport.NewConn()
	sess := faketransport.NewSession()
	receiver := faketransport.NewReceiver()
	sess.NewReceiverFunc = func(context.Context, string, string, uint32) (amqptransport.Receiver, error) {
		return receiver, nil
	}
	newSess := func(context.Context) (amqptransport.Session, error) { return sess, nil }
	client := NewRequestClient("$cbs", conn, newSess, logr.Discard(), nil)
	return client, conn, sess, receiver
}

func TestRequestClient_RoundTrip(t *testing.T) {
	client, _, _, receiver := newTestClient(t)
	defer client.Close()

	done := make(chan *amqptransport.Message, 1)
	go func() {
		resp, err := client.SendAsync(context.Background(), &amqptransport.Message{Data: []byte("token")})
		require.NoError(t, err)
		done <- resp
	}()

	// Drain the sender's queued request and reply to it.
	var req *amqptransport.Message
	require.Eventually(t, func() bool {
		s, ok := client.sender.(*faketransport.Sender)
		if !ok {
			return false
		}
		if len(s.Sent) == 0 {
			return false
		}
		req = s.Sent[0]
		return true
	}, time.Second, time.Millisecond)

	receiver.Push(&amqptransport.Message{
		CorrelationID: req.MessageID,
		ApplicationProperties: map[string]any{
			"status-code": 200,
		},
	})

	select {
	case resp := <-done:
		assert.Equal(t, 200, resp.ApplicationProperties["status-code"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestRequestClient_CancelledContextFailsSlot(t *testing.T) {
	client, _, _, _ := newTestClient(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.SendAsync(ctx, &amqptransport.Message{Data: []byte("x")})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestRequestClient_RejectsPreStampedMessage(t *testing.T) {
	client, _, _, _ := newTestClient(t)
	defer client.Close()

	_, err := client.SendAsync(context.Background(), &amqptransport.Message{MessageID: "already-set"})
	assert.ErrorIs(t, err, ErrInvalidOperation)
}

func TestRequestClient_ClosedClientFailsFast(t *testing.T) {
	client, _, _, _ := newTestClient(t)
	client.Close()

	_, err := client.SendAsync(context.Background(), &amqptransport.Message{})
	assert.ErrorIs(t, err, ErrDisposed)
}

func TestRequestClient_SendFailureFailsOnlyThatSlot(t *testing.T) {
	conn := faketransport.NewConn()
	sess := faketransport.NewSession()
	receiver := faketransport.NewReceiver()
	boom := errors.New("transport exploded")
	sess.NewSenderFunc = func(context.Context, string) (amqptransport.Sender, error) {
		s := faketransport.NewSender()
		s.SendFunc = func(context.Context, *amqptransport.Message) error { return boom }
		return s, nil
	}
	sess.NewReceiverFunc = func(context.Context, string, string, uint32) (amqptransport.Receiver, error) {
		return receiver, nil
	}
	newSess := func(context.Context) (amqptransport.Session, error) { return sess, nil }
	client := NewRequestClient("$cbs", conn, newSess, logr.Discard(), nil)
	defer client.Close()

	_, err := client.SendAsync(context.Background(), &amqptransport.Message{})
	assert.ErrorIs(t, err, boom)
}

func TestRequestClient_LateResponseIsDroppedSilently(t *testing.T) {
	client, _, _, receiver := newTestClient(t)
	defer client.Close()

	// Send one request so the link pair and its receive loop are attached.
	done := make(chan error, 1)
	go func() {
		_, err := client.SendAsync(context.Background(), &amqptransport.Message{})
		done <- err
	}()
	var req *amqptransport.Message
	require.Eventually(t, func() bool {
		s, ok := client.sender.(*faketransport.Sender)
		if !ok || len(s.Sent) == 0 {
			return false
		}
		req = s.Sent[0]
		return true
	}, time.Second, time.Millisecond)

	// No outstanding request has this correlation-id; complete() must drop
	// it without resolving the request that is still pending.
	receiver.Push(&amqptransport.Message{CorrelationID: "unknown-id"})
	select {
	case <-done:
		t.Fatal("a response with an unknown correlation-id resolved a pending request")
	case <-time.After(10 * time.Millisecond):
	}

	receiver.Push(&amqptransport.Message{CorrelationID: req.MessageID})
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the matching response")
	}
}
