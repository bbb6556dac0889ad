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
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/Azure/go-amqp-cbs/pkg/amqptransport"
	"github.com/Azure/go-amqp-cbs/pkg/cbsmetrics"
)

// CBSCapability is the symbol a CBS-capable peer advertises in its
// offered-capabilities (spec.md §4.4/§6.5). This client reads it back from
// RemoteOpen but, per go-amqp v1.3.0's API (see goamqp.go), cannot itself
// advertise it in desired-capabilities on the local Open.
const CBSCapability = "AMQP_CBS_V1_0"

const defaultCBSNode = "$cbs"

// SetTokener is the wire-level operation both CBS protocol variants
// implement (spec.md §4.4): push a token for an audience and wait for the
// peer to accept or reject it.
type SetTokener interface {
	SetToken(ctx context.Context, audience string, token TokenInfo) error
}

// SelectVariant implements spec.md §4.4/§6.5's capability negotiation. It is
// called once per connection, at RemoteOpen, and only consults the
// RemoteOpen half of negotiation: conn.OfferedCapabilities(), the peer's
// Open.offered-capabilities. This client does not advertise CBSCapability on
// its own local Open — github.com/Azure/go-amqp v1.3.0's ConnOptions has no
// desired-capabilities field to set it through (pkg/amqptransport/goamqp.go
// and DESIGN.md document the gap). conn.Properties() is the peer's
// Open.properties, consulted only for a "$cbs" node-name override.
func SelectVariant(conn amqptransport.Connection, newSess amqptransport.SessionFactory, logger logr.Logger, metrics *cbsmetrics.Metrics) SetTokener {
	nodeName := defaultCBSNode
	if v, ok := conn.Properties()["$cbs"]; ok && v != "" {
		nodeName = v
	}

	for _, capability := range conn.OfferedCapabilities() {
		if capability == CBSCapability {
			logger.V(1).Info("peer offers AMQP_CBS_V1_0; selecting link-based CBS", "node", nodeName)
			return newLinkBased(nodeName, newSess, logger)
		}
	}

	logger.V(1).Info("peer did not offer AMQP_CBS_V1_0; selecting message-based CBS", "node", nodeName)
	return &MessageBased{
		rpc: NewRequestClient(nodeName, conn, newSess, logger, metrics),
	}
}

// MessageBased is the put-token CBS variant (spec.md §4.4/§6.2): a
// request/reply exchange over C2.
type MessageBased struct {
	rpc *RequestClient
}

func (m *MessageBased) SetToken(ctx context.Context, audience string, token TokenInfo) error {
	req := &amqptransport.Message{
		Data: []byte(token.Token),
		ApplicationProperties: map[string]any{
			"operation": "put-token",
			"name":      audience,
			"type":      string(token.Type),
		},
	}
	resp, err := m.rpc.SendAsync(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil {
		return ErrNoResponse
	}
	statusCode, ok := resp.ApplicationProperties["status-code"].(int)
	if !ok {
		return ErrInvalidResponse
	}
	if statusCode == 200 || statusCode == 202 {
		return nil
	}
	condition, _ := resp.ApplicationProperties["error-condition"].(string)
	description, _ := resp.ApplicationProperties["status-description"].(string)
	if condition == "" {
		condition = fmt.Sprintf("amqp:cbs:status-%d", statusCode)
	}
	return &AMQPError{Condition: condition, Description: description}
}

// Close releases the underlying request/response engine.
func (m *MessageBased) Close() { m.rpc.Close() }

// LinkBased is the set-token CBS variant (spec.md §4.4/§6.3): a one-way
// sender link to the CBS node, settled by the peer. No correlation is
// needed, so it never touches C2.
type LinkBased struct {
	nodeName string
	newSess  amqptransport.SessionFactory
	logger   logr.Logger

	mu      sync.Mutex
	session amqptransport.Session
	sender  amqptransport.Sender
}

func newLinkBased(nodeName string, newSess amqptransport.SessionFactory, logger logr.Logger) *LinkBased {
	return &LinkBased{nodeName: nodeName, newSess: newSess, logger: logger}
}

func (l *LinkBased) SetToken(ctx context.Context, audience string, token TokenInfo) error {
	sender, err := l.ensureSender(ctx)
	if err != nil {
		return err
	}
	req := &amqptransport.Message{
		Data:    []byte(token.Token),
		Subject: "set-token",
		ApplicationProperties: map[string]any{
			"token-type": string(token.Type),
		},
	}
	return sender.Send(ctx, req)
}

func (l *LinkBased) ensureSender(ctx context.Context) (amqptransport.Sender, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sender != nil && !l.sender.IsClosed() {
		return l.sender, nil
	}
	sess, err := l.newSess(ctx)
	if err != nil {
		return nil, err
	}
	sender, err := sess.NewSender(ctx, l.nodeName)
	if err != nil {
		return nil, err
	}
	l.session, l.sender = sess, sender
	l.logger.V(1).Info("CBS set-token sender attached", "node", l.nodeName)
	return sender, nil
}

// Close tears down the set-token sender link.
func (l *LinkBased) Close() {
	if l.session != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.session.Close(closeCtx)
	}
}
