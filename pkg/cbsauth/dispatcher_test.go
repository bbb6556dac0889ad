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
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/go-amqp-cbs/pkg/amqptransport"
	"github.com/Azure/go-amqp-cbs/pkg/amqptransport/faketransport"
)

func TestSelectVariant_PrefersLinkBasedWhenOffered(t *testing.T) {
	conn := faketransport.NewConn()
	conn.Offered = []string{"some-other-capability", CBSCapability}
	sess := faketransport.NewSession()
	newSess := func(context.Context) (amqptransport.Session, error) { return sess, nil }

	variant := SelectVariant(conn, newSess, logr.Discard(), nil)
	_, ok := variant.(*LinkBased)
	assert.True(t, ok, "expected LinkBased when peer offers AMQP_CBS_V1_0")
}

func TestSelectVariant_FallsBackToMessageBased(t *testing.T) {
	conn := faketransport.NewConn()
	sess := faketransport.NewSession()
	newSess := func(context.Context) (amqptransport.Session, error) { return sess, nil }

	variant := SelectVariant(conn, newSess, logr.Discard(), nil)
	_, ok := variant.(*MessageBased)
	assert.True(t, ok, "expected MessageBased when peer doesn't offer AMQP_CBS_V1_0")
}

func TestSelectVariant_HonorsCustomCBSNodeProperty(t *testing.T) {
	conn := faketransport.NewConn()
	conn.Offered = []string{CBSCapability}
	conn.Props["$cbs"] = "custom-cbs-node"
	var capturedTarget string
	sess := faketransport.NewSession()
	sess.NewSenderFunc = func(_ context.Context, target string) (amqptransport.Sender, error) {
		capturedTarget = target
		return faketransport.NewSender(), nil
	}
	newSess := func(context.Context) (amqptransport.Session, error) { return sess, nil }

	variant := SelectVariant(conn, newSess, logr.Discard(), nil)
	err := variant.SetToken(context.Background(), "aud", TokenInfo{Token: "tok"})
	require.NoError(t, err)
	assert.Equal(t, "custom-cbs-node", capturedTarget)
}

func TestLinkBased_ReusesSenderAcrossCalls(t *testing.T) {
	conn := faketransport.NewConn()
	attachCount := 0
	sess := faketransport.NewSession()
	sess.NewSenderFunc = func(context.Context, string) (amqptransport.Sender, error) {
		attachCount++
		return faketransport.NewSender(), nil
	}
	newSess := func(context.Context) (amqptransport.Session, error) { return sess, nil }
	_ = conn

	variant := newLinkBased("$cbs", newSess, logr.Discard())
	require.NoError(t, variant.SetToken(context.Background(), "aud1", TokenInfo{Token: "a"}))
	require.NoError(t, variant.SetToken(context.Background(), "aud2", TokenInfo{Token: "b"}))
	assert.Equal(t, 1, attachCount)
}

func TestMessageBased_SetToken_TranslatesStatusCodeToError(t *testing.T) {
	conn := faketransport.NewConn()
	sess := faketransport.NewSession()
	receiver := faketransport.NewReceiver()
	sess.NewReceiverFunc = func(context.Context, string, string, uint32) (amqptransport.Receiver, error) {
		return receiver, nil
	}
	newSess := func(context.Context) (amqptransport.Session, error) { return sess, nil }

	rpc := NewRequestClient("$cbs", conn, newSess, logr.Discard(), nil)
	defer rpc.Close()
	m := &MessageBased{rpc: rpc}

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- m.SetToken(context.Background(), "aud", TokenInfo{Token: "tok"})
	}()

	var req *amqptransport.Message
	require.Eventually(t, func() bool {
		s, ok := rpc.sender.(*faketransport.Sender)
		if !ok || len(s.Sent) == 0 {
			return false
		}
		req = s.Sent[0]
		return true
	}, time.Second, time.Millisecond)

	receiver.Push(&amqptransport.Message{
		CorrelationID: req.MessageID,
		ApplicationProperties: map[string]any{
			"status-code":         401,
			"error-condition":     "amqp:cbs:unauthorized",
			"status-description":  "bad signature",
		},
	})

	select {
	case err := <-resultCh:
		var amqpErr *AMQPError
		require.ErrorAs(t, err, &amqpErr)
		assert.Equal(t, "amqp:cbs:unauthorized", amqpErr.Condition)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SetToken result")
	}
}
