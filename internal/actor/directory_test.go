package actor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hitoshi/notefeed/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestHTTPDirectory_Resolve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/V2/users" {
			t.Errorf("path = %s, want /api/V2/users", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "secret-token" {
			t.Errorf("Authorization = %q, want secret-token", got)
		}
		if got := r.URL.Query().Get("list"); got != "alice,bob" {
			t.Errorf("list = %q, want alice,bob", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"alice": "Alice Liddell"})
	}))
	defer server.Close()

	var buf bytes.Buffer
	d := NewHTTPDirectory(server.Client(), newTestLogger(&buf), server.URL+"/", "secret-token")

	got, err := d.Resolve(context.Background(), []string{"alice", "bob", "alice"})
	if err != nil {
		t.Fatalf("Resolve がエラーを返した: %v", err)
	}
	if got["alice"].Name != "Alice Liddell" || got["alice"].Type != "user" {
		t.Errorf("alice = %+v", got["alice"])
	}
	if _, ok := got["bob"]; ok {
		t.Error("解決できなかったIDはマップに含まれないこと")
	}
}

// TestHTTPDirectory_Resolve_ChunksRequests は100件を超えるIDが分割して問い合わせられることを検証する。
func TestHTTPDirectory_Resolve_ChunksRequests(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		ids := strings.Split(r.URL.Query().Get("list"), ",")
		if len(ids) > maxIDsPerRequest {
			t.Errorf("1リクエストのID数 = %d, want <= %d", len(ids), maxIDsPerRequest)
		}
		names := make(map[string]string, len(ids))
		for _, id := range ids {
			names[id] = "name-" + id
		}
		json.NewEncoder(w).Encode(names)
	}))
	defer server.Close()

	ids := make([]string, 250)
	for i := range ids {
		ids[i] = fmt.Sprintf("user%d", i)
	}

	var buf bytes.Buffer
	d := NewHTTPDirectory(server.Client(), newTestLogger(&buf), server.URL, "tok")
	got, err := d.Resolve(context.Background(), ids)
	if err != nil {
		t.Fatalf("Resolve がエラーを返した: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("API呼び出し回数 = %d, want 3", calls.Load())
	}
	if len(got) != 250 {
		t.Errorf("解決件数 = %d, want 250", len(got))
	}
}

func TestHTTPDirectory_Resolve_EmptyInput(t *testing.T) {
	var buf bytes.Buffer
	d := NewHTTPDirectory(http.DefaultClient, newTestLogger(&buf), "http://unused.invalid", "tok")

	got, err := d.Resolve(context.Background(), nil)
	if err != nil {
		t.Fatalf("Resolve がエラーを返した: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("空入力で %d 件返された", len(got))
	}
}

func TestHTTPDirectory_Resolve_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	var buf bytes.Buffer
	d := NewHTTPDirectory(server.Client(), newTestLogger(&buf), server.URL, "tok")

	_, err := d.Resolve(context.Background(), []string{"alice"})
	if !errors.Is(err, model.ErrStorageUnavailable) {
		t.Fatalf("StorageUnavailable が返されること: got %v", err)
	}
	if !strings.Contains(buf.String(), "http_status") {
		t.Errorf("ログにステータスが記録されていない: %s", buf.String())
	}
}

func TestHTTPDirectory_Resolve_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	var buf bytes.Buffer
	d := NewHTTPDirectory(server.Client(), newTestLogger(&buf), server.URL, "tok")

	if _, err := d.Resolve(context.Background(), []string{"alice"}); !errors.Is(err, model.ErrStorageUnavailable) {
		t.Errorf("StorageUnavailable が返されること: got %v", err)
	}
}

func TestHTTPDirectory_Resolve_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	d := NewHTTPDirectory(server.Client(), newTestLogger(&buf), server.URL, "tok")

	_, err := d.Resolve(ctx, []string{"alice"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("context.Canceled が伝播されること: got %v", err)
	}
}
