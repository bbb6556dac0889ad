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

// Package amqptransport is the boundary between this module and a
// pre-existing AMQP 1.0 connection/session/link stack. Framing, link
// credit, delivery state and session/connection lifecycle are entirely the
// concern of that stack (github.com/Azure/go-amqp in production, a fake in
// tests); this package only names the surface the CBS core needs from it.
package amqptransport

import (
	"context"
	"strconv"
)

// Message is the subset of an AMQP 1.0 message the CBS core reads and
// writes. It mirrors github.com/Azure/go-amqp's Message/MessageProperties
// shape closely enough that toAMQP/fromAMQP (goamqp.go) can convert in both
// directions without loss for the fields CBS cares about.
type Message struct {
	Data                  []byte
	MessageID             string
	ReplyTo               string
	CorrelationID         string
	Subject               string
	ApplicationProperties map[string]any

	// Native holds the underlying transport's message value (e.g. a
	// *github.com/Azure/go-amqp.Message) when this Message was produced by
	// Receiver.Receive, so the same transport's Accept can settle it. Code
	// outside pkg/amqptransport never needs to look at it.
	Native any
}

// Connection is the capability-negotiation surface of an AMQP 1.0
// connection. Everything else about connection lifecycle is out of scope
// (spec.md §1): the CBS dispatcher only needs to know, once, what the peer
// offered and what properties it advertised.
//
// This is deliberately the RemoteOpen half of negotiation only: it has no
// method for setting this connection's own desired-capabilities on the
// local Open. ConnAdapter (pkg/amqptransport/goamqp.go) cannot implement one
// either — go-amqp v1.3.0 gives callers no hook for it — so there is
// currently no Connection implementation, real or fake, for which such a
// method would do anything but return a static value.
type Connection interface {
	// OfferedCapabilities returns the peer's Open.offered-capabilities,
	// populated once RemoteOpen has completed.
	OfferedCapabilities() []string
	// Properties returns the peer's Open.properties.
	Properties() map[string]string
	// IsClosed reports whether the underlying connection has been torn
	// down. C2 and C3 both consult this to distinguish real failures from
	// teardown noise.
	IsClosed() bool
}

// Session abstracts github.com/Azure/go-amqp's *Session enough for C2 to
// build a sender/receiver pair on it and tear it down.
type Session interface {
	NewSender(ctx context.Context, target string) (Sender, error)
	NewReceiver(ctx context.Context, source, target string, credit uint32) (Receiver, error)
	Close(ctx context.Context) error
	IsClosed() bool
}

// SessionFactory opens a new Session on a Connection. Kept as a narrow
// function type (rather than folding NewSession into Connection) so C2's
// link re-attach policy can be unit tested against a fake with no Connection
// object at all.
type SessionFactory func(ctx context.Context) (Session, error)

// Sender abstracts a single outbound AMQP 1.0 link.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
	IsClosed() bool
}

// Receiver abstracts a single inbound AMQP 1.0 link.
type Receiver interface {
	Receive(ctx context.Context) (*Message, error)
	Accept(ctx context.Context, msg *Message) error
	Close(ctx context.Context) error
	IsClosed() bool
}

// NewMessageID stamps a correlation-friendly message-id the way C2 does:
// "<nodeName>-<monotonic>".
func NewMessageID(nodeName string, seq uint64) string {
	return nodeName + "-" + strconv.FormatUint(seq, 10)
}
