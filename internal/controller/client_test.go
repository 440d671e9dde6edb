package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeController struct {
	t        *testing.T
	now      string
	selected []string
	status   int
}

func (f *fakeController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if got := r.Header.Get("Authorization"); got != "Bearer token" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/proxies":
		json.NewEncoder(w).Encode(map[string]any{
			"proxies": map[string]any{
				"节点 选择": map[string]any{
					"name": "节点 选择",
					"type": "Selector",
					"now":  f.now,
					"all":  []string{"香港 01", "日本 01", "美国 01"},
				},
			},
		})
	case r.Method == http.MethodPut && r.URL.EscapedPath() == "/proxies/%E8%8A%82%E7%82%B9%20%E9%80%89%E6%8B%A9":
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			f.t.Errorf("content type = %q", ct)
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.selected = append(f.selected, body.Name)
		f.now = body.Name
		status := f.status
		if status == 0 {
			status = http.StatusNoContent
		}
		w.WriteHeader(status)
	default:
		http.NotFound(w, r)
	}
}

func TestGroupAndSelectNode(t *testing.T) {
	fake := &fakeController{t: t, now: "香港 01"}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	c := NewClient(srv.URL+"/", "token")
	ctx := context.Background()

	all, now, err := c.Group(ctx, "节点 选择")
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	if len(all) != 3 || now != "香港 01" {
		t.Fatalf("all = %v now = %q", all, now)
	}

	status, err := c.SelectNode(ctx, "节点 选择", "日本 01")
	if err != nil {
		t.Fatalf("SelectNode: %v", err)
	}
	if !IsSwitched(status) {
		t.Fatalf("status = %d, want 204", status)
	}
	if len(fake.selected) != 1 || fake.selected[0] != "日本 01" {
		t.Fatalf("selected = %v", fake.selected)
	}
}

func TestSelectNodeReportsStatus(t *testing.T) {
	fake := &fakeController{t: t, status: http.StatusBadRequest}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	status, err := NewClient(srv.URL, "token").SelectNode(context.Background(), "节点 选择", "不存在")
	if err != nil {
		t.Fatalf("SelectNode: %v", err)
	}
	if IsSwitched(status) || status != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", status)
	}
}

func TestGroupErrors(t *testing.T) {
	srv := httptest.NewServer(&fakeController{t: t})
	defer srv.Close()

	if _, _, err := NewClient(srv.URL, "token").Group(context.Background(), "missing"); err == nil {
		t.Fatalf("expected error for unknown group")
	}
	if _, err := NewClient(srv.URL, "wrong").Proxies(context.Background()); err == nil {
		t.Fatalf("expected error for bad token")
	}
}
