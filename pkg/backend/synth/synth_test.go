package synth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerateEndpoints(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotBody = map[string]any{}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(generateResponse{Status: "success", OutputPath: "/tmp/out.wav"})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	cases := []struct {
		name     string
		call     func() (string, error)
		wantPath string
		wantKey  string
		wantVal  string
	}{
		{
			name:     "clone",
			call:     func() (string, error) { return c.Clone(ctx, "hello", "/refs/alice.wav") },
			wantPath: "/generate/clone",
			wantKey:  "reference_path",
			wantVal:  "/refs/alice.wav",
		},
		{
			name:     "custom",
			call:     func() (string, error) { return c.Custom(ctx, "hello", "narrator") },
			wantPath: "/generate/custom",
			wantKey:  "voice",
			wantVal:  "narrator",
		},
		{
			name:     "design",
			call:     func() (string, error) { return c.Design(ctx, "hello", "a calm elderly narrator") },
			wantPath: "/generate/design",
			wantKey:  "description",
			wantVal:  "a calm elderly narrator",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := tc.call()
			if err != nil {
				t.Fatalf("%s: %v", tc.name, err)
			}
			if out != "/tmp/out.wav" {
				t.Errorf("output path = %q", out)
			}
			if gotPath != tc.wantPath {
				t.Errorf("endpoint = %q, want %q", gotPath, tc.wantPath)
			}
			if gotBody["text"] != "hello" {
				t.Errorf("text = %v", gotBody["text"])
			}
			if gotBody[tc.wantKey] != tc.wantVal {
				t.Errorf("%s = %v, want %q", tc.wantKey, gotBody[tc.wantKey], tc.wantVal)
			}
		})
	}
}

func TestGenerateFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(generateResponse{Status: "error", Message: "reference file not found"})
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Clone(context.Background(), "hello", "/missing.wav"); err == nil {
		t.Error("Clone with failing backend succeeded")
	}
}

func TestGenerateValidation(t *testing.T) {
	c, err := New("http://localhost:1")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := c.Clone(ctx, "hello", ""); err == nil {
		t.Error("Clone without reference path succeeded")
	}
	if _, err := c.Custom(ctx, "", "narrator"); err == nil {
		t.Error("Custom without text succeeded")
	}
	if _, err := c.Design(ctx, "hello", ""); err == nil {
		t.Error("Design without description succeeded")
	}
}
