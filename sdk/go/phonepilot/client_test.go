package phonepilot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAuthenticateStoresToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/token" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Fatalf("unexpected method: %s", r.Method)
		}
		var creds Credentials
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if creds.Username != "operator" {
			t.Fatalf("unexpected username: %s", creds.Username)
		}
		_ = json.NewEncoder(w).Encode(Token{AccessToken: "abc123", TokenType: "Bearer"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Authenticate(context.Background(), Credentials{Username: "operator", Password: "secret"}); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
}

func TestSubmitRunSendsBearerToken(t *testing.T) {
	submitted := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/runs" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var submission RunSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Fatalf("decode submission: %v", err)
		}
		if submission.Instruction != "打开设置" || submission.DeviceID != "dev-1" {
			t.Fatalf("unexpected submission: %+v", submission)
		}
		submitted = true
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(Run{ID: "r1", Status: "pending"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("token")

	record, err := client.SubmitRun(context.Background(), RunSubmission{
		Instruction: "打开设置",
		DeviceID:    "dev-1",
	})
	if err != nil {
		t.Fatalf("submit run: %v", err)
	}
	if record.ID != "r1" || !submitted {
		t.Fatalf("unexpected run: %+v submitted=%v", record, submitted)
	}
}

func TestGetRunError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/runs/missing" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(struct {
				Error APIError `json:"error"`
			}{Error: APIError{Code: "RUN_NOT_FOUND", Message: "运行不存在"}})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetRun(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error")
	}
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "RUN_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestWaitForRunPollsUntilTerminal(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		status := "running"
		if calls >= 3 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(Run{ID: "r1", Status: status})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record, err := client.WaitForRun(ctx, "r1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait for run: %v", err)
	}
	if record.Status != "completed" || calls < 3 {
		t.Fatalf("unexpected result: %+v calls=%d", record, calls)
	}
}

func TestConfirmAndTakeover(t *testing.T) {
	var confirmBody struct {
		Approved bool `json:"approved"`
	}
	takeoverCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/runs/r1/confirmation":
			if err := json.NewDecoder(r.Body).Decode(&confirmBody); err != nil {
				t.Fatalf("decode confirmation: %v", err)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"run_id": "r1"})
		case "/api/v1/runs/r1/takeover":
			takeoverCalled = true
			_ = json.NewEncoder(w).Encode(map[string]any{"run_id": "r1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if err := client.Confirm(context.Background(), "r1", true); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !confirmBody.Approved {
		t.Fatalf("approval flag not sent")
	}
	if err := client.CompleteTakeover(context.Background(), "r1"); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if !takeoverCalled {
		t.Fatalf("takeover endpoint not called")
	}
}
