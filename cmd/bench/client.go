package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"ridelink/internal/http/middleware"
)

// actor is a bench user; identity travels in the dev-mode headers, so the
// API under test must run without a token verifier.
type actor struct {
	id     string
	driver bool
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string { return fmt.Sprintf("status=%d body=%s", e.Status, e.Body) }

// call sends body as JSON and decodes a 2xx response into out.
func (r *Runner) call(ctx context.Context, who actor, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if who.id != "" {
		req.Header.Set(middleware.HeaderUserID, who.id)
	}
	if who.driver {
		req.Header.Set(middleware.HeaderUserRole, "driver")
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &apiError{Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

type rideView struct {
	ID          string  `json:"id"`
	Status      string  `json:"status"`
	FulfillerID *string `json:"fulfiller_id"`
}

type outcomeView struct {
	Kind        string   `json:"kind"`
	Ride        rideView `json:"ride"`
	ChatOpen    bool     `json:"chat_open"`
	Negotiation *struct {
		ID string `json:"id"`
	} `json:"negotiation"`
}

func (r *Runner) createRide(ctx context.Context, requester actor, from, to place) (rideView, error) {
	var out rideView
	_, err := r.call(ctx, requester, http.MethodPost, "/api/rides", map[string]any{
		"pickup":        from,
		"destination":   to,
		"vehicle_class": "standard",
	}, &out)
	return out, err
}

func (r *Runner) goOnline(ctx context.Context, driver actor, at place) error {
	_, err := r.call(ctx, driver, http.MethodPost, "/api/driver/online", map[string]any{
		"vehicle_class": "standard",
		"lat":           at.Lat,
		"lng":           at.Lng,
	}, nil)
	return err
}

func (r *Runner) claim(ctx context.Context, driver actor, rideID string) (int, error) {
	return r.call(ctx, driver, http.MethodPost, "/api/driver/rides/"+rideID+"/claim", nil, nil)
}

type place struct {
	Address string  `json:"address"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}
