package smarthome

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRouteHandled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/smart_home" {
			t.Errorf("path = %s, want /smart_home", r.URL.Path)
		}
		// The wire field is "command"; decode into a map so a renamed
		// struct tag cannot hide a contract break.
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req["command"] != "turn off the lights" {
			t.Errorf("request body = %v, want command field", req)
		}
		json.NewEncoder(w).Encode(routeResponse{
			Success:     true,
			IsSmartHome: true,
			Message:     "Living room lights are off",
			Action:      "lights_off",
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Route(context.Background(), "turn off the lights")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if !got.Handled {
		t.Error("Handled = false, want true")
	}
	if got.Message != "Living room lights are off" || got.Action != "lights_off" {
		t.Errorf("Routing = %+v", got)
	}
}

func TestRouteNotSmartHome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(routeResponse{Success: false, IsSmartHome: false})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	got, err := c.Route(context.Background(), "tell me a story")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got.Handled {
		t.Error("Handled = true for conversational utterance, want false")
	}
}

func TestRouteDeviceFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(routeResponse{
			Success:     false,
			IsSmartHome: true,
			Message:     "thermostat unreachable",
		})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Route(context.Background(), "set temperature to 21"); err == nil {
		t.Error("Route with failed device action succeeded, want error")
	}
}

func TestRouteEmptyText(t *testing.T) {
	c, err := New("http://localhost:1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Route(context.Background(), "  "); err == nil {
		t.Error("Route with blank utterance succeeded")
	}
}
