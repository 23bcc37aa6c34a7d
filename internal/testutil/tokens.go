// Package testutil provides testing utilities for the forge project.
package testutil

// Safe test tokens that won't trigger secret scanning on push.
// Keep them obviously fake.
const (
	// FakeGitHubToken is a safe test token for GitHub API authentication.
	FakeGitHubToken = "test-github-token"

	// FakeLinearAPIKey is a safe test API key for Linear.
	FakeLinearAPIKey = "test-linear-api-key"

	// FakeBearerToken is a safe test bearer token for the gateway.
	FakeBearerToken = "test-bearer-token"

	// FakeWebhookSecret is a safe test secret for webhook signatures.
	FakeWebhookSecret = "test-webhook-secret"
)
