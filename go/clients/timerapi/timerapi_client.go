// Package timerapi is the HTTP client of the timer control plane.
package timerapi

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ZhouAndrew/MyTimer/go/clients"
	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
)

// ErrUnavailable is returned when the server cannot be reached or fails
var ErrUnavailable = clients.ErrUnavailable

type TimerApiClient struct {
	*clients.BaseClient
}

// NewTimerApiClient creates a client for the server at baseURL. An empty
// token sends no auth header.
func NewTimerApiClient(baseURL, token string) *TimerApiClient {
	client := &TimerApiClient{
		BaseClient: clients.NewBaseClient(strings.TrimRight(baseURL, "/")),
	}
	if token != "" {
		client.SetHeader(AuthTokenHeader, token)
	}
	return client
}

// WSURL returns the subscription endpoint of the server
func (c *TimerApiClient) WSURL() (string, error) {
	u, err := url.Parse(c.BaseURL())
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + StreamEndpoint
	return u.String(), nil
}

// mapError converts API status codes into the timers error kinds
func mapError(op string, err error) error {
	var se *clients.StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusBadRequest:
			return fmt.Errorf("%s: %s: %w", op, strings.TrimSpace(se.Body), timers.ErrValidation)
		case http.StatusNotFound:
			return fmt.Errorf("%s: %s: %w", op, strings.TrimSpace(se.Body), timers.ErrNotFound)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
