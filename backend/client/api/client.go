// Package api talks to the REST backend that owns user profiles and chat
// history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/adwski/webrtc-call/backend/model"
	"github.com/rs/zerolog"
)

const defaultRequestTimeout = 5 * time.Second

var (
	ErrRequest = errors.New("api request failed")
	ErrStatus  = errors.New("unexpected api response status")
)

type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type Config struct {
	Logger *zerolog.Logger
	// BaseURL is the http(s) root of the backend.
	BaseURL string
	// Token is sent as a bearer token when not empty.
	Token string
}

type Client struct {
	base   string
	token  string
	http   *http.Client
	logger zerolog.Logger
}

func NewClient(cfg Config) *Client {
	return &Client{
		base:   strings.TrimSuffix(cfg.BaseURL, "/"),
		token:  cfg.Token,
		http:   &http.Client{Timeout: defaultRequestTimeout},
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}
}

// GetProfile returns the profile of the authenticated user.
func (c *Client) GetProfile(ctx context.Context) (Profile, error) {
	var p Profile
	if err := c.get(ctx, "/api/profile", &p); err != nil {
		return Profile{}, err
	}
	if p.ID == "" {
		return Profile{}, errors.Join(ErrRequest, errors.New("profile without id"))
	}
	return p, nil
}

// ChatHistory returns persisted messages of chatID, oldest first.
func (c *Client) ChatHistory(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	var msgs []model.ChatMessage
	if err := c.get(ctx, "/api/chats/"+url.PathEscape(chatID)+"/messages", &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return errors.Join(ErrRequest, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Join(ErrRequest, err)
	}
	defer func() {
		if errC := resp.Body.Close(); errC != nil {
			c.logger.Debug().Err(errC).Msg("failed to close response body")
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return errors.Join(ErrStatus, fmt.Errorf("GET %s: %s", path, resp.Status))
	}
	if err = json.NewDecoder(resp.Body).Decode(v); err != nil {
		return errors.Join(ErrRequest, err)
	}
	c.logger.Trace().Str("path", path).Msg("api request done")
	return nil
}

// StaticProfile serves a fixed profile, for peers running without a
// backend.
type StaticProfile Profile

func (s StaticProfile) GetProfile(context.Context) (Profile, error) {
	return Profile(s), nil
}
