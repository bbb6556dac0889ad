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
	"errors"
	"fmt"
)

// Sentinel errors for spec.md §7's error kinds. Use errors.Is to test for
// them; they're never returned bare except where the operation gives no
// further detail.
var (
	// ErrDisposed is returned by an operation invoked on a closed
	// RequestClient or CBS client.
	ErrDisposed = errors.New("cbsauth: client is closed")

	// ErrInvalidOperation covers unmet preconditions: the connection is
	// closed, or message-id/reply-to were already set by the caller.
	ErrInvalidOperation = errors.New("cbsauth: invalid operation")

	// ErrCancelled is returned when a request is cancelled locally, or
	// when link setup is impossible because the client or connection is
	// going away.
	ErrCancelled = errors.New("cbsauth: cancelled")
)

// AMQPError is a peer-signalled CBS failure (spec.md §6.2/§6.3): a
// put-token or set-token request that the $cbs node rejected.
type AMQPError struct {
	Condition   string
	Description string
}

func (e *AMQPError) Error() string {
	return fmt.Sprintf("cbsauth: amqp error %s: %s", e.Condition, e.Description)
}

// ErrNoResponse is raised by MessageBased.SetToken when the request/response
// engine resolves with a nil response (spec.md §4.4).
var ErrNoResponse = &AMQPError{Condition: "amqp:cbs:no-response", Description: "no response received for put-token request"}

// ErrInvalidResponse is raised when a put-token response lacks properties or
// application-properties.
var ErrInvalidResponse = &AMQPError{Condition: "amqp:cbs:invalid-response", Description: "put-token response missing properties or application-properties"}

func (e *AMQPError) Is(target error) bool {
	t, ok := target.(*AMQPError)
	if !ok {
		return false
	}
	return e.Condition == t.Condition
}
