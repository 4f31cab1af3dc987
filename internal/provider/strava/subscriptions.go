package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/newpush/coach-sub004/internal/canonical"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/provider"
)

// Subscription represents a Strava webhook subscription
type Subscription struct {
	ID            int    `json:"id"`
	ApplicationID int    `json:"application_id"`
	CallbackURL   string `json:"callback_url"`
	CreatedAt     string `json:"created_at"`
	UpdatedAt     string `json:"updated_at"`
}

// CreateSubscription creates a new webhook subscription.
// It uses application credentials only, no athlete token.
func (a *Adapter) CreateSubscription(ctx context.Context, callbackURL, verifyToken string) (*Subscription, error) {
	data := url.Values{
		"client_id":     {a.clientID},
		"client_secret": {a.clientSecret},
		"callback_url":  {callbackURL},
		"verify_token":  {verifyToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/push_subscriptions", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, err := a.doApp(req, metrics.OpCreateSubscription, http.StatusCreated, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	var subscription Subscription
	if err := json.Unmarshal(body, &subscription); err != nil {
		return nil, fmt.Errorf("failed to decode subscription response: %w", err)
	}
	return &subscription, nil
}

// ListSubscriptions lists all active webhook subscriptions for this application
func (a *Adapter) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	params := url.Values{
		"client_id":     {a.clientID},
		"client_secret": {a.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/push_subscriptions?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	body, err := a.doApp(req, metrics.OpListSubscriptions, http.StatusOK)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	var subscriptions []Subscription
	if err := json.Unmarshal(body, &subscriptions); err != nil {
		return nil, fmt.Errorf("failed to decode subscriptions response: %w", err)
	}
	return subscriptions, nil
}

// DeleteSubscription deletes a webhook subscription
func (a *Adapter) DeleteSubscription(ctx context.Context, subscriptionID int) error {
	params := url.Values{
		"client_id":     {a.clientID},
		"client_secret": {a.clientSecret},
	}
	reqURL := fmt.Sprintf("%s/push_subscriptions/%d?%s", a.baseURL, subscriptionID, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if _, err := a.doApp(req, metrics.OpDeleteSubscription, http.StatusNoContent, http.StatusOK); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}

func (a *Adapter) doApp(req *http.Request, op string, okStatus ...int) ([]byte, error) {
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindTransient, Provider: canonical.ProviderStrava, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	for _, s := range okStatus {
		if resp.StatusCode == s {
			return body, nil
		}
	}
	return nil, provider.ClassifyStatus(canonical.ProviderStrava, op, resp.StatusCode, resp.Header, body)
}
