package httputil

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestStubDoer_ReplaysInOrder(t *testing.T) {
	t.Parallel()

	stub := (&StubDoer{}).Respond(http.StatusCreated, `{"id":"a"}`).Fail(errors.New("refused"))

	req, _ := http.NewRequest(http.MethodPost, "http://engine/api/sessions", strings.NewReader(`{"x":1}`))
	resp, err := stub.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated || string(body) != `{"id":"a"}` {
		t.Errorf("got %d %s", resp.StatusCode, body)
	}

	req2, _ := http.NewRequest(http.MethodGet, "http://engine/api/sessions", nil)
	if _, err := stub.Do(req2); err == nil || err.Error() != "refused" {
		t.Errorf("second call err = %v, want refused", err)
	}

	req3, _ := http.NewRequest(http.MethodGet, "http://engine/api/version", nil)
	resp, err = stub.Do(req3)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Errorf("default response = %v, %v", resp, err)
	}

	if stub.Count() != 3 {
		t.Errorf("Count = %d, want 3", stub.Count())
	}
	got, gotBody := stub.Request(0)
	if got.URL.Path != "/api/sessions" || gotBody != `{"x":1}` {
		t.Errorf("Request(0) = %s %q", got.URL.Path, gotBody)
	}
	if r, _ := stub.Request(9); r != nil {
		t.Error("Request out of range should be nil")
	}
}
