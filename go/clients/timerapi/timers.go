package timerapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ZhouAndrew/MyTimer/go/internal/timers"
)

type createResponse struct {
	TimerID int64 `json:"timer_id"`
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Create starts a timer of duration seconds and returns its id
func (c *TimerApiClient) Create(ctx context.Context, duration float64) (int64, error) {
	body, err := c.Post(ctx, TimersEndpoint+"?duration="+formatSeconds(duration), nil)
	if err != nil {
		return 0, mapError("create timer", err)
	}

	var resp createResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return resp.TimerID, nil
}

// List returns every timer keyed by its string id
func (c *TimerApiClient) List(ctx context.Context) (timers.SnapshotMessage, error) {
	body, err := c.Get(ctx, TimersEndpoint)
	if err != nil {
		return nil, mapError("list timers", err)
	}

	var list timers.SnapshotMessage
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	if list == nil {
		list = timers.SnapshotMessage{}
	}
	return list, nil
}

// Status returns the server's timer counts
func (c *TimerApiClient) Status(ctx context.Context) (timers.Status, error) {
	body, err := c.Get(ctx, StatusEndpoint)
	if err != nil {
		return timers.Status{}, mapError("get status", err)
	}

	var st timers.Status
	if err := json.Unmarshal(body, &st); err != nil {
		return timers.Status{}, fmt.Errorf("failed to unmarshal response: %w, raw response: %s", err, string(body))
	}
	return st, nil
}

func timerEndpoint(id int64, action string) string {
	ep := fmt.Sprintf("%s/%d", TimersEndpoint, id)
	if action != "" {
		ep += "/" + action
	}
	return ep
}

func (c *TimerApiClient) Pause(ctx context.Context, id int64) error {
	if _, err := c.Post(ctx, timerEndpoint(id, "pause"), nil); err != nil {
		return mapError("pause timer", err)
	}
	return nil
}

func (c *TimerApiClient) Resume(ctx context.Context, id int64) error {
	if _, err := c.Post(ctx, timerEndpoint(id, "resume"), nil); err != nil {
		return mapError("resume timer", err)
	}
	return nil
}

func (c *TimerApiClient) Remove(ctx context.Context, id int64) error {
	if _, err := c.Delete(ctx, timerEndpoint(id, "")); err != nil {
		return mapError("remove timer", err)
	}
	return nil
}

func (c *TimerApiClient) RemoveAll(ctx context.Context) error {
	if _, err := c.Delete(ctx, TimersEndpoint); err != nil {
		return mapError("remove all timers", err)
	}
	return nil
}

func (c *TimerApiClient) PauseAll(ctx context.Context) error {
	if _, err := c.Post(ctx, PauseAllEndpoint, nil); err != nil {
		return mapError("pause all timers", err)
	}
	return nil
}

func (c *TimerApiClient) ResumeAll(ctx context.Context) error {
	if _, err := c.Post(ctx, ResumeAllEndpoint, nil); err != nil {
		return mapError("resume all timers", err)
	}
	return nil
}

func (c *TimerApiClient) ResetAll(ctx context.Context) error {
	if _, err := c.Post(ctx, ResetAllEndpoint, nil); err != nil {
		return mapError("reset all timers", err)
	}
	return nil
}

// Tick advances every running timer on the server by seconds
func (c *TimerApiClient) Tick(ctx context.Context, seconds float64) error {
	if _, err := c.Post(ctx, TickEndpoint+"?seconds="+formatSeconds(seconds), nil); err != nil {
		return mapError("tick", err)
	}
	return nil
}
