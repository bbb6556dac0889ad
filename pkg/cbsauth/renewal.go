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
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/Azure/go-amqp-cbs/pkg/amqptransport"
	"github.com/Azure/go-amqp-cbs/pkg/cbsmetrics"
)

// DefaultTokenDuration is spec.md §4.3's default requested token validity.
const DefaultTokenDuration = 20 * time.Minute

const renewalBatchTimeout = 60 * time.Second

// renewEntry is spec.md §3's RenewEntry.
type renewEntry struct {
	claims  []string
	dueTime time.Time
}

// ErrorHandler receives spec.md §6.6's OnError event.
type ErrorHandler func(audience string, claims []string, err error)

// Renewer is the narrow surface Scheduler needs from the CBS protocol
// dispatcher: push one token for one audience.
type Renewer interface {
	SetToken(ctx context.Context, audience string, token TokenInfo) error
}

// Scheduler is spec.md §4.3's token renewal scheduler (C3): a single timer
// covering many audiences with heterogeneous expiries.
type Scheduler struct {
	TokenDuration time.Duration

	provider TokenProvider
	dispatch Renewer
	conn     amqptransport.Connection
	logger   logr.Logger
	metrics  *cbsmetrics.Metrics
	onError  ErrorHandler

	mu          sync.Mutex
	entries     map[string]*renewEntry // keyed case-insensitively
	timer       *time.Timer
	timerExpiry time.Time // zero means unarmed; meaningless while renewing is true
	renewing    bool      // spec.md §4.3's MIN_INSTANT sentinel, as an explicit flag
	closed      bool
}

// NewScheduler builds a Scheduler. onError may be nil.
func NewScheduler(provider TokenProvider, dispatch Renewer, conn amqptransport.Connection, logger logr.Logger, metrics *cbsmetrics.Metrics, onError ErrorHandler) *Scheduler {
	if onError == nil {
		onError = func(string, []string, error) {}
	}
	return &Scheduler{
		TokenDuration: DefaultTokenDuration,
		provider:      provider,
		dispatch:      dispatch,
		conn:          conn,
		logger:        logger,
		metrics:       metrics,
		onError:       onError,
		entries:       make(map[string]*renewEntry),
	}
}

func audienceKey(audience string) string { return strings.ToLower(audience) }

// Authenticate is spec.md §4.3's Authenticate: fetch a token from the
// provider, push it via the dispatcher, and — if autoRenew — record the
// token's expiry as the audience's due time and arm the shared timer for it
// if that is earlier than the instant the timer is currently armed for.
func (s *Scheduler) Authenticate(ctx context.Context, audience string, claims []string, autoRenew bool) error {
	if s.conn.IsClosed() {
		return ErrInvalidOperation
	}

	token, err := s.provider.GetToken(ctx, audience, claims, s.TokenDuration)
	if err != nil {
		return err
	}
	if err := s.dispatch.SetToken(ctx, audience, token); err != nil {
		return err
	}

	if !autoRenew {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[audienceKey(audience)] = &renewEntry{claims: claims, dueTime: token.Expiry}
	if !s.renewing && (s.timer == nil || token.Expiry.Before(s.timerExpiry)) {
		s.arm(token.Expiry)
	}
	return nil
}

// Remove deletes audience's renewal entry. If no entries remain, the timer
// is stopped.
func (s *Scheduler) Remove(audience string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, audienceKey(audience))
	if len(s.entries) == 0 {
		s.stopLocked()
	}
}

// Close stops the timer. It does not remove entries; the scheduler is
// considered disposed and Authenticate/Renew must not be called again.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.stopLocked()
}

// arm schedules the timer to fire at expiry, clamping a past-due expiry to
// one second out to avoid an immediate re-entry storm (spec.md §4.3's timer
// arming rules). Callers must hold s.mu.
func (s *Scheduler) arm(expiry time.Time) {
	delay := time.Until(expiry)
	if delay <= 0 {
		delay = time.Second
	}
	s.timerExpiry = expiry
	if s.timer == nil {
		s.timer = time.AfterFunc(delay, s.renew)
		return
	}
	s.timer.Reset(delay)
}

// stopLocked stops and clears the timer. Callers must hold s.mu.
func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerExpiry = time.Time{}
}

// renew is the Renew algorithm of spec.md §4.3. It runs on the timer's own
// goroutine.
func (s *Scheduler) renew() {
	type due struct {
		audience string
		entry    *renewEntry
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.renewing = true
	now := time.Now()
	var dueEntries []due
	for audience, entry := range s.entries {
		if !entry.dueTime.After(now) {
			dueEntries = append(dueEntries, due{audience: audience, entry: entry})
		}
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), renewalBatchTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var reportedMu sync.Mutex
	reported := make(map[string]bool)
	report := func(audience string, claims []string, err error) {
		reportedMu.Lock()
		already := reported[audience]
		reported[audience] = true
		reportedMu.Unlock()
		if already {
			return
		}
		s.Remove(audience)
		if s.conn.IsClosed() {
			return // teardown noise, not a real renewal failure
		}
		if s.metrics != nil {
			s.metrics.ObserveRenewal(audience, false)
		}
		s.onError(audience, claims, err)
	}

	for _, d := range dueEntries {
		wg.Add(1)
		go func(d due) {
			defer wg.Done()
			func() {
				defer func() {
					if r := recover(); r != nil {
						report(d.audience, d.entry.claims, panicToError(r))
					}
				}()
				if err := s.Authenticate(ctx, d.audience, d.entry.claims, true); err != nil {
					report(d.audience, d.entry.claims, err)
					return
				}
				if s.metrics != nil {
					s.metrics.ObserveRenewal(d.audience, true)
				}
			}()
		}(d)
	}
	wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.renewing = false
	if s.closed || s.conn.IsClosed() {
		// Renewal failures observed during teardown are noise; neither
		// re-arm nor leave the timer armed on a dead connection.
		if !s.closed {
			s.stopLocked()
		}
		return
	}
	var next time.Time
	for _, entry := range s.entries {
		if next.IsZero() || entry.dueTime.Before(next) {
			next = entry.dueTime
		}
	}
	if next.IsZero() {
		s.stopLocked()
		return
	}
	s.arm(next)
}

func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return &AMQPError{Condition: "amqp:cbs:renewal-panic", Description: formatAny(r)}
}

func formatAny(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "non-error panic value"
}
