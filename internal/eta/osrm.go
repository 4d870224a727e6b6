package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/moto-dispatch/internal/models"
)

// ErrNoRoute is returned when the router answers but has no usable route.
var ErrNoRoute = errors.New("eta: no route")

// OSRMClient asks an OSRM server for road durations. Profile defaults to
// "driving"; deployments with a motorcycle profile can override it.
type OSRMClient struct {
	Endpoint string
	Profile  string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  "driving",
		Client:   &http.Client{Timeout: 2 * time.Second},
	}
}

type osrmRoute struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
		Distance float64 `json:"distance"`
	} `json:"routes"`
}

func (o *OSRMClient) routeURL(from, to models.Coord) string {
	profile := o.Profile
	if profile == "" {
		profile = "driving"
	}
	return fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=false&alternatives=false",
		o.Endpoint, profile, from.Lon, from.Lat, to.Lon, to.Lat)
}

// EstimateSeconds returns the road duration between two points.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.routeURL(from, to), nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()

	var body osrmRoute
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("osrm decode (status %d): %w", resp.StatusCode, err)
	}
	switch {
	case body.Code == "NoRoute", body.Code == "Ok" && len(body.Routes) == 0:
		return 0, ErrNoRoute
	case body.Code != "Ok":
		return 0, fmt.Errorf("osrm %s: %s", body.Code, body.Message)
	}
	return body.Routes[0].Duration, nil
}
