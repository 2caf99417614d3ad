package route

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/freight-trips/internal/models"
)

// OSRMProvider fetches the driving route between a job's origin and
// destination from an OSRM HTTP server.
type OSRMProvider struct {
	Endpoint        string
	Client          *http.Client
	Cache           *Cache // optional
	ToleranceMeters float64
}

func NewOSRMProvider(endpoint string, tolerance float64) *OSRMProvider {
	return &OSRMProvider{
		Endpoint:        endpoint,
		Client:          &http.Client{Timeout: 2 * time.Second},
		Cache:           NewCache(30 * time.Minute),
		ToleranceMeters: tolerance,
	}
}

func (o *OSRMProvider) Corridor(ctx context.Context, job models.Job) (Corridor, bool, error) {
	if job.Origin == (models.Coord{}) || job.Destination == (models.Coord{}) {
		return Corridor{}, false, nil
	}
	if o.Cache != nil {
		if path, ok := o.Cache.Get(job.Origin, job.Destination); ok {
			return Corridor{Path: path, ToleranceMeters: o.ToleranceMeters}, true, nil
		}
	}
	path, err := o.fetch(ctx, job.Origin, job.Destination)
	if err != nil {
		return Corridor{}, false, err
	}
	if o.Cache != nil {
		o.Cache.Set(job.Origin, job.Destination, path)
	}
	return Corridor{Path: path, ToleranceMeters: o.ToleranceMeters}, true, nil
}

// fetch queries /route with full GeoJSON geometry.
func (o *OSRMProvider) fetch(ctx context.Context, from, to models.Coord) ([]models.Coord, error) {
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson",
		o.Endpoint, from.Lng, from.Lat, to.Lng, to.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Routes []struct {
			Geometry struct {
				Coordinates [][2]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
		Code string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return nil, fmt.Errorf("osrm no route: %v", out.Code)
	}
	coords := out.Routes[0].Geometry.Coordinates
	path := make([]models.Coord, 0, len(coords))
	for _, c := range coords {
		path = append(path, models.Coord{Lat: c[1], Lng: c[0]})
	}
	return path, nil
}
