// Package geocode resolves SOS coordinates to a street address with the
// Google Maps Geocoding API.
package geocode

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"
)

// ErrNoResult is returned when the API knows no address for the point.
var ErrNoResult = errors.New("geocode: no address for location")

// Google reverse-geocodes through googlemaps.github.io/maps.
type Google struct {
	client *maps.Client
}

// New creates a client for apiKey. Extra options (base URL, rate limit)
// are passed through.
func New(apiKey string, opts ...maps.ClientOption) (*Google, error) {
	c, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("maps client: %w", err)
	}
	return &Google{client: c}, nil
}

// ReverseGeocode returns the formatted address of the best match.
func (g *Google) ReverseGeocode(ctx context.Context, lat, lon float64) (string, error) {
	res, err := g.client.ReverseGeocode(ctx, &maps.GeocodingRequest{
		LatLng: &maps.LatLng{Lat: lat, Lng: lon},
	})
	if err != nil {
		return "", fmt.Errorf("reverse geocode: %w", err)
	}
	if len(res) == 0 || res[0].FormattedAddress == "" {
		return "", ErrNoResult
	}
	return res[0].FormattedAddress, nil
}
