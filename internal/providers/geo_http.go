package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/trustscore/internal/retry"
)

const ipAPIFields = "status,message,countryCode,country,regionName,city,lat,lon,isp,proxy,hosting"

// HTTPGeoLocator queries an ip-api compatible endpoint.
type HTTPGeoLocator struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPGeoLocator creates a locator for baseURL, e.g. "http://ip-api.com".
func NewHTTPGeoLocator(baseURL string) *HTTPGeoLocator {
	return &HTTPGeoLocator{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type ipAPIResponse struct {
	Status      string  `json:"status"`
	Message     string  `json:"message"`
	CountryCode string  `json:"countryCode"`
	Country     string  `json:"country"`
	RegionName  string  `json:"regionName"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ISP         string  `json:"isp"`
	Proxy       bool    `json:"proxy"`
	Hosting     bool    `json:"hosting"`
}

// Locate resolves ip. Client errors and "fail" answers are permanent;
// transport errors and 5xx responses are retryable.
func (l *HTTPGeoLocator) Locate(ctx context.Context, ip string) (GeoInfo, error) {
	if net.ParseIP(ip) == nil {
		return GeoInfo{}, retry.Permanent(fmt.Errorf("%w: %q", ErrInvalidIP, ip))
	}

	u := l.baseURL + "/json/" + url.PathEscape(ip) + "?fields=" + url.QueryEscape(ipAPIFields)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return GeoInfo{}, retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return GeoInfo{}, fmt.Errorf("geolocation request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return GeoInfo{}, fmt.Errorf("read geolocation response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return GeoInfo{}, fmt.Errorf("%w: geolocation status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return GeoInfo{}, retry.Permanent(fmt.Errorf("geolocation status %d: %s", resp.StatusCode, string(body)))
	}

	var r ipAPIResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return GeoInfo{}, retry.Permanent(fmt.Errorf("decode geolocation response: %w", err))
	}
	if r.Status != "success" {
		return GeoInfo{}, retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, r.Message))
	}

	return GeoInfo{
		IP:          ip,
		CountryCode: r.CountryCode,
		Country:     r.Country,
		Region:      r.RegionName,
		City:        r.City,
		ISP:         r.ISP,
		Latitude:    r.Lat,
		Longitude:   r.Lon,
		IsProxy:     r.Proxy,
		IsVPN:       r.Hosting,
	}, nil
}
