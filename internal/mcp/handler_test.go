package mcp

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pgguard/pgguard/internal/gateway"
	"github.com/pgguard/pgguard/internal/model"
)

func TestReadOnlyAnnotation(t *testing.T) {
	ann := readOnlyAnnotation()

	if ann.ReadOnlyHint == nil {
		t.Fatal("ReadOnlyHint should not be nil")
	}
	if *ann.ReadOnlyHint != true {
		t.Errorf("ReadOnlyHint = %v, want true", *ann.ReadOnlyHint)
	}
}

func TestToolError(t *testing.T) {
	res, err := toolError("bad %s: %d", "thing", 42)
	if err != nil {
		t.Fatalf("toolError returned transport error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError on the result")
	}
	if text := resultText(t, res); text != "bad thing: 42" {
		t.Errorf("text = %q", text)
	}
}

func TestGatewayErrorRendersCodeAndResources(t *testing.T) {
	gerr := gateway.NewError(gateway.CodeColumnDenied, "column users.password is denied")
	gerr.Resources = []string{"users.password"}

	res, err := gatewayError(gerr)
	if err != nil {
		t.Fatalf("gatewayError returned transport error: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected IsError on the result")
	}

	text := resultText(t, res)
	if !strings.Contains(text, "COLUMN_ACCESS_DENIED") {
		t.Errorf("expected the stable code in %q", text)
	}
	if !strings.Contains(text, "users.password") {
		t.Errorf("expected the denied resource in %q", text)
	}
}

func TestGatewayErrorRendersRetryAfter(t *testing.T) {
	gerr := gateway.RateLimitError(model.RateLimitResult{
		Window:     model.WindowClientMinute,
		RetryAfter: 30 * time.Second,
	})

	res, _ := gatewayError(gerr)
	text := resultText(t, res)
	if !strings.Contains(text, "RATE_LIMITED") {
		t.Errorf("expected RATE_LIMITED in %q", text)
	}
	if !strings.Contains(text, "Retry after") {
		t.Errorf("expected retry hint in %q", text)
	}
}

func TestGatewayErrorHidesRawCause(t *testing.T) {
	res, _ := gatewayError(errors.New("pq: password authentication failed for user \"admin\""))
	text := resultText(t, res)
	if !strings.Contains(text, "INTERNAL_ERROR") {
		t.Errorf("expected INTERNAL_ERROR in %q", text)
	}
	if strings.Contains(text, "password authentication") {
		t.Errorf("raw driver error leaked: %q", text)
	}
}
