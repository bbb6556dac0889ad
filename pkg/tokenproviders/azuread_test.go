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

package tokenproviders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCredential struct {
	token azcore.AccessToken
	err   error
	seen  policy.TokenRequestOptions
}

func (f *fakeCredential) GetToken(_ context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	f.seen = opts
	return f.token, f.err
}

func TestAzureADProvider_GetToken_UsesDefaultScope(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	cred := &fakeCredential{token: azcore.AccessToken{Token: "jwt-value", ExpiresOn: expiry}}
	provider := NewAzureADProvider(cred)

	info, err := provider.GetToken(context.Background(), "sb://ns.servicebus.windows.net", nil, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "jwt-value", info.Token)
	assert.Equal(t, JWTTokenType, info.Type)
	assert.Equal(t, expiry, info.Expiry)
	assert.Equal(t, []string{DefaultScope}, cred.seen.Scopes)
}

func TestAzureADProvider_GetToken_UsesCustomScopes(t *testing.T) {
	cred := &fakeCredential{token: azcore.AccessToken{Token: "jwt"}}
	provider := NewAzureADProvider(cred, "https://custom.scope/.default")

	_, err := provider.GetToken(context.Background(), "aud", nil, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://custom.scope/.default"}, cred.seen.Scopes)
}

func TestAzureADProvider_GetToken_PropagatesCredentialError(t *testing.T) {
	boom := errors.New("credential denied")
	cred := &fakeCredential{err: boom}
	provider := NewAzureADProvider(cred)

	_, err := provider.GetToken(context.Background(), "aud", nil, time.Minute)
	assert.ErrorIs(t, err, boom)
}
