package onedrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestListFollowsNextLink(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/me/drive/root:/Backups/newsletter:/children":
			if r.URL.Query().Get("$top") != "200" {
				t.Errorf("$top = %q", r.URL.Query().Get("$top"))
			}
			fmt.Fprintf(w, `{"value":[
				{"id":"a","name":"newsletter-backup-2026-01-01T00-00-00Z.zip","size":10,"createdDateTime":"2026-01-01T00:00:00Z","webUrl":"https://x/a"},
				{"id":"f","name":"old","folder":{"childCount":2},"createdDateTime":"2025-01-01T00:00:00Z"}
			],"@odata.nextLink":%q}`, srv.URL+"/page2")
		case "/page2":
			fmt.Fprint(w, `{"value":[
				{"id":"b","name":"notes.txt","size":3,"createdDateTime":"2026-01-02T00:00:00Z","webUrl":"https://x/b"}
			]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(&staticTokens{token: "tok"}, WithBaseURL(srv.URL))
	files, err := c.List(context.Background(), "/Backups/newsletter/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2 (folder skipped)", len(files))
	}
	if files[0].ID != "a" || files[1].ID != "b" {
		t.Errorf("ids = %q, %q", files[0].ID, files[1].ID)
	}
	if files[0].CreatedAt.Year() != 2026 {
		t.Errorf("created = %v", files[0].CreatedAt)
	}
}

func TestListRejectsMalformedChild(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"value":[{"name":"no-id.zip"}]}`)
	}))
	defer srv.Close()

	c := NewClient(&staticTokens{token: "tok"}, WithBaseURL(srv.URL))
	if _, err := c.List(context.Background(), "Backups"); !IsKind(err, KindUnexpected) {
		t.Fatalf("err = %v, want unexpected kind", err)
	}
}

func TestListNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"itemNotFound","message":"The resource could not be found."}}`)
	}))
	defer srv.Close()

	c := NewClient(&staticTokens{token: "tok"}, WithBaseURL(srv.URL))
	_, err := c.List(context.Background(), "Missing")
	var e *Error
	if !IsKind(err, KindServer) {
		t.Fatalf("err = %v, want server kind", err)
	}
	if !errors.As(err, &e) || e.Code != "itemNotFound" || e.StatusCode != http.StatusNotFound {
		t.Errorf("error = %+v", e)
	}
}

func TestDelete(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(&staticTokens{token: "tok"}, WithBaseURL(srv.URL))
	if err := c.Delete(context.Background(), "01ABC"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/me/drive/items/01ABC" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
}

func TestDeleteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := NewClient(&staticTokens{token: "tok"}, WithBaseURL(srv.URL))
	if err := c.Delete(context.Background(), "01ABC"); !IsKind(err, KindServer) {
		t.Fatalf("err = %v, want server kind", err)
	}
}
