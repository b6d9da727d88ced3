package testutil

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
)

func TestAssertHelpersPassing(t *testing.T) {
	AssertStatusCode(t, http.StatusOK, http.StatusOK)
	AssertNoError(t, nil)
	AssertError(t, errors.New("test error"))
}

func TestServe(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"method": r.Method,
			"path":   r.URL.Path,
			"body":   string(body),
		})
	})

	w := Serve(h, http.MethodPost, "/echo", "hello")
	AssertStatusCode(t, w.Code, http.StatusOK)
	got := DecodeJSON[map[string]string](t, w)
	if got["method"] != "POST" || got["path"] != "/echo" || got["body"] != "hello" {
		t.Errorf("echo = %v", got)
	}

	w = Serve(h, http.MethodGet, "/empty", "")
	if got := DecodeJSON[map[string]string](t, w); got["body"] != "" {
		t.Errorf("body = %q, want empty", got["body"])
	}
}
