// Package kiro integrates the AWS-Q-style upstream: conversationState
// request bodies, bearer-token refresh for both social and IdC auth, and
// the binary event-stream response framing.
package kiro

import "fmt"

// endpointConfig is one upstream endpoint candidate. The two services
// accept the same body but want different Origin and X-Amz-Target headers.
type endpointConfig struct {
	Name      string
	URL       string
	Origin    string
	AmzTarget string
}

// buildEndpointConfigs returns the ordered endpoint candidates for a
// region. The selector's retry loop walks them on rate limits.
func buildEndpointConfigs(region string) []endpointConfig {
	return []endpointConfig{
		{
			Name:      "codewhisperer",
			URL:       fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/generateAssistantResponse", region),
			Origin:    "https://app.kiro.dev",
			AmzTarget: "AmazonCodeWhispererStreamingService.GenerateAssistantResponse",
		},
		{
			Name:      "q",
			URL:       fmt.Sprintf("https://q.%s.amazonaws.com/generateAssistantResponse", region),
			Origin:    "https://app.kiro.dev",
			AmzTarget: "AmazonQDeveloperStreamingService.GenerateAssistantResponse",
		},
	}
}
