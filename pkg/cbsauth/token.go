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
	"time"
)

// TokenType names the token kind carried in a CBS put-token/set-token
// message's "type" property, e.g. "jwt" or "servicebus.windows.net:sastoken".
type TokenType string

// TokenInfo is the immutable result of a TokenProvider fetch (spec.md §3).
// Expiry is an absolute UTC instant chosen by the provider; it need not
// equal the duration requested.
type TokenInfo struct {
	Token  string
	Type   TokenType
	Expiry time.Time
}

// TokenProvider is the external boundary to credential sources (spec.md
// §6.1): shared-access-signature generation, cloud-credential fetch, or any
// other source of CBS tokens. Implementations must be safe for concurrent
// use — C3 may call GetToken for several audiences at once from its
// renewal timer.
type TokenProvider interface {
	GetToken(ctx context.Context, audience string, claims []string, duration time.Duration) (TokenInfo, error)
}
