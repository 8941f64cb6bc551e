// SPDX-License-Identifier: MIT

// Package registrar implements the registration call to a running bridge
// process and the best-effort stop notification to the robot-side agent.
package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/robofleet/broker/internal/broker"
)

// stopChannel is the Redis channel fleet agents subscribe to for bridge
// teardown notices.
const stopChannel = "robot:bridge:stop"

// Client registers session coordinates with the bridge's local control
// endpoint and publishes stop notices over Redis.
//
// The bridge binds two adjacent ports: the application port and, one above
// it, the control port that accepts registration calls. That pairing is why
// the port allocator only accepts candidates whose neighbour is also free.
type Client struct {
	HTTP  *http.Client
	Redis *redis.Client
}

// New creates a registrar client.
func New(redisClient *redis.Client) *Client {
	return &Client{
		HTTP:  &http.Client{Timeout: 5 * time.Second},
		Redis: redisClient,
	}
}

type registerPayload struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Hostname     string `json:"hostname"`
	Port         int    `json:"port"`
}

type registerResponse struct {
	RegisterID string `json:"registerId"`
}

// Register implements broker.Registrar.
func (c *Client) Register(ctx context.Context, req broker.RegisterRequest) (string, error) {
	body, err := json.Marshal(registerPayload{
		ConnectionID: req.ConnectionID,
		UserID:       req.UserID,
		Hostname:     req.Hostname,
		Port:         req.Port,
	})
	if err != nil {
		return "", fmt.Errorf("registrar: encode: %w", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/register", req.Port+1)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("registrar: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("registrar: register %s: %w", req.ConnectionID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("registrar: register %s: bridge returned %d: %s", req.ConnectionID, resp.StatusCode, payload)
	}

	var out registerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("registrar: decode response: %w", err)
	}
	return out.RegisterID, nil
}

// NotifyStop implements broker.Registrar. Fleet agents subscribe to the stop
// channel; a missed notice only delays the agent's own idle teardown.
func (c *Client) NotifyStop(ctx context.Context, connectionID string) error {
	if c.Redis == nil {
		return nil
	}
	return c.Redis.Publish(ctx, stopChannel, connectionID).Err()
}

var _ broker.Registrar = (*Client)(nil)
