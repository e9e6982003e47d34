// Package directory resolves nearby businesses for a service category around
// a postal code, via the Google Geocoding and Places APIs.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"callbroker/internal/session"
	"callbroker/internal/telephony"
)

const (
	defaultGeocodeURL = "https://maps.googleapis.com/maps/api/geocode/json"
	defaultNearbyURL  = "https://maps.googleapis.com/maps/api/place/nearbysearch/json"
	defaultDetailsURL = "https://maps.googleapis.com/maps/api/place/details/json"

	searchRadiusMeters = 10000
	maxResults         = 20
	maxPages           = 5
)

var (
	ErrInvalidZip  = errors.New("directory: postal code did not geocode")
	ErrNoneFound   = errors.New("directory: no dialable businesses found")
	ErrInvalidArgs = errors.New("directory: zipcode and service are required")
)

// Client queries the Places stack. Base URLs are overridable for tests.
type Client struct {
	apiKey string
	httpc  *http.Client

	geocodeURL string
	nearbyURL  string
	detailsURL string

	// pageDelay spaces paged nearby-search requests; Google rejects a
	// next_page_token used too early.
	pageDelay time.Duration
}

func NewClient(apiKey string, httpc *http.Client) *Client {
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		apiKey:     apiKey,
		httpc:      httpc,
		geocodeURL: defaultGeocodeURL,
		nearbyURL:  defaultNearbyURL,
		detailsURL: defaultDetailsURL,
		pageDelay:  2 * time.Second,
	}
}

// Lookup geocodes the postal code and collects up to 20 nearby businesses
// with phone numbers for the given service keyword.
func (c *Client) Lookup(ctx context.Context, zipcode, service string) ([]session.Contact, error) {
	if zipcode == "" || service == "" {
		return nil, ErrInvalidArgs
	}

	lat, lng, err := c.geocode(ctx, zipcode)
	if err != nil {
		return nil, err
	}

	var contacts []session.Contact
	seen := make(map[string]bool)
	pageToken := ""

	for page := 0; page < maxPages && len(contacts) < maxResults; page++ {
		if pageToken != "" {
			select {
			case <-time.After(c.pageDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		places, next, err := c.nearby(ctx, lat, lng, service, pageToken)
		if err != nil {
			return nil, err
		}

		for _, placeID := range places {
			if len(contacts) >= maxResults {
				break
			}
			name, phone, err := c.details(ctx, placeID)
			if err != nil {
				// One bad place record must not sink the lookup.
				continue
			}
			if phone == "" {
				continue
			}
			number := telephony.NormalizePhone(phone)
			if number == "" || seen[number] {
				continue
			}
			seen[number] = true
			contacts = append(contacts, session.Contact{
				Number: number,
				Name:   name,
				Source: "directory",
			})
		}

		pageToken = next
		if pageToken == "" {
			break
		}
	}

	if len(contacts) == 0 {
		return nil, ErrNoneFound
	}
	return contacts, nil
}

func (c *Client) geocode(ctx context.Context, zipcode string) (float64, float64, error) {
	q := url.Values{}
	q.Set("address", zipcode)
	q.Set("key", c.apiKey)

	var out struct {
		Results []struct {
			Geometry struct {
				Location struct {
					Lat float64 `json:"lat"`
					Lng float64 `json:"lng"`
				} `json:"location"`
			} `json:"geometry"`
		} `json:"results"`
	}
	if err := c.getJSON(ctx, c.geocodeURL, q, &out); err != nil {
		return 0, 0, err
	}
	if len(out.Results) == 0 {
		return 0, 0, ErrInvalidZip
	}
	loc := out.Results[0].Geometry.Location
	return loc.Lat, loc.Lng, nil
}

func (c *Client) nearby(ctx context.Context, lat, lng float64, keyword, pageToken string) ([]string, string, error) {
	q := url.Values{}
	q.Set("location", fmt.Sprintf("%f,%f", lat, lng))
	q.Set("radius", fmt.Sprintf("%d", searchRadiusMeters))
	q.Set("keyword", keyword)
	q.Set("type", "point_of_interest")
	q.Set("key", c.apiKey)
	if pageToken != "" {
		q.Set("pagetoken", pageToken)
	}

	var out struct {
		Results []struct {
			PlaceID string `json:"place_id"`
		} `json:"results"`
		NextPageToken string `json:"next_page_token"`
	}
	if err := c.getJSON(ctx, c.nearbyURL, q, &out); err != nil {
		return nil, "", err
	}
	ids := make([]string, 0, len(out.Results))
	for _, r := range out.Results {
		ids = append(ids, r.PlaceID)
	}
	return ids, out.NextPageToken, nil
}

func (c *Client) details(ctx context.Context, placeID string) (name, phone string, err error) {
	q := url.Values{}
	q.Set("place_id", placeID)
	q.Set("fields", "name,formatted_phone_number")
	q.Set("key", c.apiKey)

	var out struct {
		Result struct {
			Name                 string `json:"name"`
			FormattedPhoneNumber string `json:"formatted_phone_number"`
		} `json:"result"`
	}
	if err := c.getJSON(ctx, c.detailsURL, q, &out); err != nil {
		return "", "", err
	}
	return out.Result.Name, out.Result.FormattedPhoneNumber, nil
}

func (c *Client) getJSON(ctx context.Context, base string, q url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("directory: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory: unexpected status %d from %s", resp.StatusCode, base)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("directory: decode response: %w", err)
	}
	return nil
}
