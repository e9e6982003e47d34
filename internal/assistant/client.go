// Package assistant bridges inbound callers to the conversational
// voice-assistant gateway. The gateway places the assistant onto the call by
// returning provider TwiML for the inbound leg.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Client struct {
	baseURL       string
	phoneNumberID string
	assistantID   string
	apiKey        string
	httpc         *http.Client
}

func NewClient(baseURL, phoneNumberID, assistantID, apiKey string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:       baseURL,
		phoneNumberID: phoneNumberID,
		assistantID:   assistantID,
		apiKey:        apiKey,
		httpc:         httpc,
	}
}

var ErrNoTwiML = errors.New("assistant: gateway returned no twiml")

type bridgeRequest struct {
	PhoneNumberID                  string         `json:"phoneNumberId"`
	PhoneCallProviderBypassEnabled bool           `json:"phoneCallProviderBypassEnabled"`
	Customer                       bridgeCustomer `json:"customer"`
	AssistantID                    string         `json:"assistantId"`
}

type bridgeCustomer struct {
	Number string `json:"number"`
}

type bridgeResponse struct {
	PhoneCallProviderDetails struct {
		TwiML string `json:"twiml"`
	} `json:"phoneCallProviderDetails"`
}

// BridgeCall asks the gateway to take over the caller's leg and returns the
// TwiML to serve in the inbound webhook response.
func (c *Client) BridgeCall(ctx context.Context, callerNumber string) (string, error) {
	if callerNumber == "" {
		return "", errors.New("assistant: caller number is required")
	}

	body, err := json.Marshal(bridgeRequest{
		PhoneNumberID:                  c.phoneNumberID,
		PhoneCallProviderBypassEnabled: true,
		Customer:                       bridgeCustomer{Number: callerNumber},
		AssistantID:                    c.assistantID,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("assistant: bridge request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("assistant: gateway returned status %d", resp.StatusCode)
	}

	var out bridgeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("assistant: decode response: %w", err)
	}
	if out.PhoneCallProviderDetails.TwiML == "" {
		return "", ErrNoTwiML
	}
	return out.PhoneCallProviderDetails.TwiML, nil
}
