package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

// GoogleClient routes through the Google Maps Directions API.
type GoogleClient struct {
	client *maps.Client
}

func NewGoogleClient(apiKey string, opts ...maps.ClientOption) (*GoogleClient, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleClient{client: client}, nil
}

func (g *GoogleClient) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}
	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return Route{}, apperr.Upstream("google maps", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, apperr.Upstream("google maps", fmt.Errorf("no route found"))
	}
	leg := routes[0].Legs[0]
	return Route{
		DistanceKm:  float64(leg.Distance.Meters) / 1000,
		DurationMin: leg.Duration.Minutes(),
		Polyline:    routes[0].OverviewPolyline.Points,
	}, nil
}

func latLng(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}
