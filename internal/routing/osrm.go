package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

// Route queries OSRM /route between points.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	// OSRM wants lng,lat pairs.
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=polyline",
		o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, apperr.Upstream("osrm", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Route{}, apperr.Upstream("osrm", fmt.Errorf("status %d", resp.StatusCode))
	}
	var out struct {
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Geometry string  `json:"geometry"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, apperr.Upstream("osrm", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, apperr.Upstream("osrm", fmt.Errorf("no route: %v", out.Code))
	}
	r := out.Routes[0]
	return Route{DistanceKm: r.Distance / 1000, DurationMin: r.Duration / 60, Polyline: r.Geometry}, nil
}
