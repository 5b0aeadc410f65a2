package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRegisterSendsNodeAndRunID(t *testing.T) {
	var got RegisterRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/register" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		json.NewEncoder(w).Encode(RegisterResponse{Accepted: true})
	}))
	defer srv.Close()

	c := New(srv.URL, "10.0.0.1:9000", "run-1")
	resp, err := c.Register(context.Background(), "scenario-a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !resp.Accepted {
		t.Fatal("expected accepted=true")
	}
	if got.Node != "10.0.0.1:9000" || got.RunID != "run-1" || got.Scenario != "scenario-a" {
		t.Fatalf("unexpected request body %+v", got)
	}
}

func TestWaitPollsUntilStarted(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			json.NewEncoder(w).Encode(WaitResponse{Started: false})
			return
		}
		json.NewEncoder(w).Encode(WaitResponse{Started: true, Round: 0})
	}))
	defer srv.Close()

	c := New(srv.URL, "10.0.0.1:9000", "run-1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Wait(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !resp.Started {
		t.Fatal("expected started=true")
	}
	if calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", calls)
	}
}

func TestWaitReturnsContextErrorOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(WaitResponse{Started: false})
	}))
	defer srv.Close()

	c := New(srv.URL, "10.0.0.1:9000", "run-1")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if _, err := c.Wait(ctx, 20*time.Millisecond); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestFinishedSendsScenarioAndNode(t *testing.T) {
	var got FinishedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/finished" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	c := New(srv.URL, "10.0.0.1:9000", "run-1")
	if err := c.Finished(context.Background(), "scenario-a"); err != nil {
		t.Fatalf("finished: %v", err)
	}
	if got.Scenario != "scenario-a" || got.Node != "10.0.0.1:9000" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestErrorResponseSurfacesServerMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "scenario already finished"})
	}))
	defer srv.Close()

	c := New(srv.URL, "10.0.0.1:9000", "run-1")
	err := c.Finished(context.Background(), "scenario-a")
	if err == nil {
		t.Fatal("expected error")
	}
}
