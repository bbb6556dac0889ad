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
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"

	"github.com/Azure/go-amqp-cbs/pkg/cbsauth"
)

// JWTTokenType is the "type" an Azure AD access token is stamped with on
// the wire.
const JWTTokenType cbsauth.TokenType = "jwt"

// DefaultScope is the default OAuth scope requested for the Service Bus /
// Event Hubs resource when the caller doesn't supply one.
const DefaultScope = "https://servicebus.azure.net/.default"

// AzureADProvider adapts any azcore.TokenCredential — azidentity's
// DefaultAzureCredential, ManagedIdentityCredential, WorkloadIdentityCredential,
// ChainedTokenCredential, or a test double — into a cbsauth.TokenProvider.
// cmd/cbsclient's --auth-mode=azuread constructs it over a real
// *azidentity.ChainedTokenCredential (see newAzureADCredential in
// cmd/cbsclient/main.go, mirroring pkg/scalers/azure's NewChainedCredential).
type AzureADProvider struct {
	credential azcore.TokenCredential
	scopes     []string
}

// NewAzureADProvider builds an AzureADProvider. If scopes is empty,
// DefaultScope is requested.
func NewAzureADProvider(credential azcore.TokenCredential, scopes ...string) *AzureADProvider {
	if len(scopes) == 0 {
		scopes = []string{DefaultScope}
	}
	return &AzureADProvider{credential: credential, scopes: scopes}
}

// GetToken implements cbsauth.TokenProvider. audience and duration are
// unused: an Azure AD access token's scope and lifetime are determined by
// the credential and the tenant's token policy, not by the CBS caller.
func (p *AzureADProvider) GetToken(ctx context.Context, _ string, _ []string, _ time.Duration) (cbsauth.TokenInfo, error) {
	tok, err := p.credential.GetToken(ctx, policy.TokenRequestOptions{Scopes: p.scopes})
	if err != nil {
		return cbsauth.TokenInfo{}, err
	}
	return cbsauth.TokenInfo{Token: tok.Token, Type: JWTTokenType, Expiry: tok.ExpiresOn}, nil
}
