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

// Package faketransport provides hand-written, channel-based fakes for
// pkg/amqptransport's interfaces, for use in other packages' tests. A
// mocking library doesn't fit here: these interfaces model blocking,
// concurrent request/reply exchanges, which are far more natural to fake
// with real channels than to script with call-and-return expectations.
package faketransport

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Azure/go-amqp-cbs/pkg/amqptransport"
)

// Conn is a fake amqptransport.Connection.
type Conn struct {
	Offered    []string
	Props      map[string]string
	closed     atomic.Bool
}

func NewConn() *Conn { return &Conn{Props: map[string]string{}} }

func (c *Conn) OfferedCapabilities() []string  { return c.Offered }
func (c *Conn) Properties() map[string]string  { return c.Props }
func (c *Conn) IsClosed() bool                 { return c.closed.Load() }
func (c *Conn) Close()                         { c.closed.Store(true) }

// Session is a fake amqptransport.Session. NewSenderFunc/NewReceiverFunc let
// a test script failures; when nil, NewSender/NewReceiver return a fresh,
// unconnected fake Sender/Receiver.
type Session struct {
	NewSenderFunc   func(ctx context.Context, target string) (amqptransport.Sender, error)
	NewReceiverFunc func(ctx context.Context, source, target string, credit uint32) (amqptransport.Receiver, error)

	closed atomic.Bool
}

func NewSession() *Session { return &Session{} }

func (s *Session) NewSender(ctx context.Context, target string) (amqptransport.Sender, error) {
	if s.NewSenderFunc != nil {
		return s.NewSenderFunc(ctx, target)
	}
	return NewSender(), nil
}

func (s *Session) NewReceiver(ctx context.Context, source, target string, credit uint32) (amqptransport.Receiver, error) {
	if s.NewReceiverFunc != nil {
		return s.NewReceiverFunc(ctx, source, target, credit)
	}
	return NewReceiver(), nil
}

func (s *Session) Close(context.Context) error { s.closed.Store(true); return nil }
func (s *Session) IsClosed() bool              { return s.closed.Load() }

// Sender is a fake amqptransport.Sender. Sent records every message that
// was handed to Send, in order. SendFunc, when set, overrides the default
// (always-succeeds) behavior, letting a test simulate a slow or failing
// peer.
type Sender struct {
	SendFunc func(ctx context.Context, msg *amqptransport.Message) error

	mu     sync.Mutex
	Sent   []*amqptransport.Message
	closed atomic.Bool
}

func NewSender() *Sender { return &Sender{} }

func (s *Sender) Send(ctx context.Context, msg *amqptransport.Message) error {
	s.mu.Lock()
	s.Sent = append(s.Sent, msg)
	s.mu.Unlock()
	if s.SendFunc != nil {
		return s.SendFunc(ctx, msg)
	}
	return nil
}

func (s *Sender) Close(context.Context) error { s.closed.Store(true); return nil }
func (s *Sender) IsClosed() bool              { return s.closed.Load() }

// Receiver is a fake amqptransport.Receiver, backed by a channel a test
// feeds with Push. Receive blocks until a message is pushed, ctx is
// cancelled, or the receiver is closed.
type Receiver struct {
	msgs    chan *amqptransport.Message
	closeCh chan struct{}
	closed  atomic.Bool

	mu       sync.Mutex
	Accepted []*amqptransport.Message
}

func NewReceiver() *Receiver {
	return &Receiver{
		msgs:    make(chan *amqptransport.Message, 16),
		closeCh: make(chan struct{}),
	}
}

// Push enqueues msg for a future Receive call to return.
func (r *Receiver) Push(msg *amqptransport.Message) {
	r.msgs <- msg
}

func (r *Receiver) Receive(ctx context.Context) (*amqptransport.Message, error) {
	select {
	case msg := <-r.msgs:
		return msg, nil
	case <-r.closeCh:
		return nil, context.Canceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Receiver) Accept(_ context.Context, msg *amqptransport.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Accepted = append(r.Accepted, msg)
	return nil
}

func (r *Receiver) Close(context.Context) error {
	if r.closed.CompareAndSwap(false, true) {
		close(r.closeCh)
	}
	return nil
}

func (r *Receiver) IsClosed() bool { return r.closed.Load() }
