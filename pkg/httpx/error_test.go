package httpx

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

type envelope struct {
	Error ErrorPayload `json:"error"`
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, 404, "no such run")
	if rec.Code != 404 {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != "Not Found" || env.Error.Message != "no such run" {
		t.Fatalf("payload = %+v", env.Error)
	}
}

func TestWriteTypedError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteTypedError(rec, 409, "safety.device_busy", "disk held by another run", 30)
	if rec.Header().Get("Retry-After") != "30" {
		t.Fatalf("retry-after = %q", rec.Header().Get("Retry-After"))
	}
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != "safety.device_busy" || env.Error.RetryAfterSec != 30 {
		t.Fatalf("payload = %+v", env.Error)
	}
}

func TestWriteErrorWithDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorWithDetails(rec, 422, "workflow.invalid", "document rejected", map[string]any{
		"problems": []string{"steps: Array must have at least 1 items"},
	})
	var env envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != "workflow.invalid" {
		t.Fatalf("payload = %+v", env.Error)
	}
	details, ok := env.Error.Details.(map[string]any)
	if !ok || details["problems"] == nil {
		t.Fatalf("details = %#v", env.Error.Details)
	}
}
