package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetDiffSendsDiffAccept(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/pulls/7" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Accept"); got != "application/vnd.github.v3.diff" {
			t.Errorf("accept = %s", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization = %s", got)
		}
		_, _ = w.Write([]byte("diff --git a/x b/x\n"))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Token: "tok"}
	diff, err := c.GetDiff(context.Background(), "acme", "widgets", 7)
	if err != nil {
		t.Fatalf("get diff: %v", err)
	}
	if diff != "diff --git a/x b/x\n" {
		t.Fatalf("diff = %q", diff)
	}
}

func TestGetDiffErrorIsFetchKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	if _, err := c.GetDiff(context.Background(), "acme", "widgets", 7); !errors.Is(err, ErrFetch) {
		t.Fatalf("err = %v, want ErrFetch", err)
	}
}

func TestPostCommentsBuildsReview(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widgets/pulls/7/reviews" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	comments := []ReviewComment{{Path: "main.go", Line: 3, Body: "remove debug print"}}
	if err := c.PostComments(context.Background(), "acme", "widgets", 7, "abc123", comments); err != nil {
		t.Fatalf("post comments: %v", err)
	}
	if body["commit_id"] != "abc123" || body["event"] != "COMMENT" {
		t.Fatalf("payload = %v", body)
	}
}

func TestPostCommentsSkipsEmptySet(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	if err := c.PostComments(context.Background(), "acme", "widgets", 7, "abc", nil); err != nil {
		t.Fatalf("post comments: %v", err)
	}
	if called {
		t.Fatalf("request sent for empty comment set")
	}
}

func TestPostSummaryErrorIsPublishKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	if err := c.PostSummary(context.Background(), "acme", "widgets", 7, "sum"); !errors.Is(err, ErrPublish) {
		t.Fatalf("err = %v, want ErrPublish", err)
	}
}
