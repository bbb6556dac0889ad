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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Azure/go-amqp-cbs/pkg/amqptransport/faketransport"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	fn    func(audience string) (TokenInfo, error)
}

func (p *fakeProvider) GetToken(_ context.Context, audience string, _ []string, _ time.Duration) (TokenInfo, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	return p.fn(audience)
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeRenewer struct {
	mu      sync.Mutex
	pushed  []string
	failFor map[string]error
}

func (r *fakeRenewer) SetToken(_ context.Context, audience string, _ TokenInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, audience)
	if err, ok := r.failFor[audience]; ok {
		return err
	}
	return nil
}

func TestScheduler_AuthenticateArmsTimerAndRenews(t *testing.T) {
	conn := faketransport.NewConn()
	var calls atomic.Int32
	provider := &fakeProvider{fn: func(audience string) (TokenInfo, error) {
		calls.Add(1)
		return TokenInfo{Token: "tok", Type: "jwt", Expiry: time.Now().Add(50 * time.Millisecond)}, nil
	}}
	renewer := &fakeRenewer{failFor: map[string]error{}}

	s := NewScheduler(provider, renewer, conn, logr.Discard(), nil, nil)
	require.NoError(t, s.Authenticate(context.Background(), "audA", nil, true))

	require.Eventually(t, func() bool {
		return calls.Load() >= 2
	}, time.Second, 5*time.Millisecond, "expected at least one automatic renewal")
	s.Close()
}

func TestScheduler_RenewalFailureReportsOnErrorOnce(t *testing.T) {
	conn := faketransport.NewConn()
	boom := errors.New("provider exploded")
	provider := &fakeProvider{fn: func(audience string) (TokenInfo, error) {
		return TokenInfo{}, boom
	}}
	renewer := &fakeRenewer{failFor: map[string]error{}}

	var mu sync.Mutex
	var reports int
	onError := func(audience string, _ []string, err error) {
		mu.Lock()
		defer mu.Unlock()
		reports++
	}

	s := NewScheduler(provider, renewer, conn, logr.Discard(), nil, onError)
	s.TokenDuration = time.Millisecond // not consulted by the failing provider; renew() is called directly below

	// Seed an entry directly rather than through Authenticate (which would
	// itself fail on the very first GetToken call).
	s.mu.Lock()
	s.entries[audienceKey("audB")] = &renewEntry{dueTime: time.Now().Add(-time.Second)}
	s.mu.Unlock()
	s.renew()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, reports, "OnError must be reported exactly once per failed renewal")
	s.Close()
}

func TestScheduler_RemoveStopsTimerWhenTableEmpty(t *testing.T) {
	conn := faketransport.NewConn()
	provider := &fakeProvider{fn: func(string) (TokenInfo, error) {
		return TokenInfo{Token: "tok", Expiry: time.Now().Add(time.Hour)}, nil
	}}
	renewer := &fakeRenewer{failFor: map[string]error{}}

	s := NewScheduler(provider, renewer, conn, logr.Discard(), nil, nil)
	require.NoError(t, s.Authenticate(context.Background(), "audC", nil, true))

	s.mu.Lock()
	armed := s.timer != nil
	s.mu.Unlock()
	require.True(t, armed)

	s.Remove("audC")

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Nil(t, s.timer)
}

func TestScheduler_AuthenticateFailsOnClosedConnection(t *testing.T) {
	conn := faketransport.NewConn()
	conn.Close()
	provider := &fakeProvider{fn: func(string) (TokenInfo, error) {
		t.Fatal("GetToken must not be called when the connection is closed")
		return TokenInfo{}, nil
	}}
	renewer := &fakeRenewer{}

	s := NewScheduler(provider, renewer, conn, logr.Discard(), nil, nil)
	err := s.Authenticate(context.Background(), "audD", nil, false)
	assert.ErrorIs(t, err, ErrInvalidOperation)
}
