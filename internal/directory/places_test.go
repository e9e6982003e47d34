package directory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, geocodeResults int, places []map[string]string) *Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/geocode", func(w http.ResponseWriter, r *http.Request) {
		if geocodeResults == 0 {
			fmt.Fprint(w, `{"results":[]}`)
			return
		}
		fmt.Fprint(w, `{"results":[{"geometry":{"location":{"lat":29.4,"lng":-98.5}}}]}`)
	})
	mux.HandleFunc("/nearby", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":[`)
		for i := range places {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"place_id":"p%d"}`, i)
		}
		fmt.Fprint(w, `]}`)
	})
	mux.HandleFunc("/details", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("place_id")
		for i, p := range places {
			if fmt.Sprintf("p%d", i) == id {
				fmt.Fprintf(w, `{"result":{"name":%q,"formatted_phone_number":%q}}`, p["name"], p["phone"])
				return
			}
		}
		fmt.Fprint(w, `{"result":{}}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c := NewClient("test-key", srv.Client())
	c.geocodeURL = srv.URL + "/geocode"
	c.nearbyURL = srv.URL + "/nearby"
	c.detailsURL = srv.URL + "/details"
	c.pageDelay = 0
	return c
}

func TestLookup_CollectsAndNormalizes(t *testing.T) {
	c := newTestClient(t, 1, []map[string]string{
		{"name": "Ace Plumbing", "phone": "(830) 483-8832"},
		{"name": "No Phone LLC", "phone": ""},
		{"name": "Dup Plumbing", "phone": "830 483 8832"},
		{"name": "Best Pipes", "phone": "(281) 378-7468"},
	})

	contacts, err := c.Lookup(context.Background(), "78205", "plumber")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if len(contacts) != 2 {
		t.Fatalf("expected 2 contacts (deduped, phoneless dropped), got %d: %+v", len(contacts), contacts)
	}
	if contacts[0].Number != "+18304838832" || contacts[0].Name != "Ace Plumbing" {
		t.Fatalf("first contact wrong: %+v", contacts[0])
	}
	if contacts[0].Source != "directory" {
		t.Fatalf("source not tagged: %+v", contacts[0])
	}
}

func TestLookup_InvalidZip(t *testing.T) {
	c := newTestClient(t, 0, nil)
	if _, err := c.Lookup(context.Background(), "00000", "plumber"); !errors.Is(err, ErrInvalidZip) {
		t.Fatalf("expected ErrInvalidZip, got %v", err)
	}
}

func TestLookup_NoBusinesses(t *testing.T) {
	c := newTestClient(t, 1, nil)
	if _, err := c.Lookup(context.Background(), "78205", "plumber"); !errors.Is(err, ErrNoneFound) {
		t.Fatalf("expected ErrNoneFound, got %v", err)
	}
}

func TestLookup_RequiresArgs(t *testing.T) {
	c := newTestClient(t, 1, nil)
	if _, err := c.Lookup(context.Background(), "", "plumber"); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
}
