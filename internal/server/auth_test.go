package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

func TestExtractXMLField(t *testing.T) {
	body := `<GetCallerIdentityResponse><GetCallerIdentityResult>` +
		`<Arn>arn:aws:iam::123456789012:role/ci</Arn>` +
		`<Account>123456789012</Account>` +
		`<UserId>AROAEXAMPLE:session</UserId>` +
		`</GetCallerIdentityResult></GetCallerIdentityResponse>`

	arn, ok := extractXMLField(body, "Arn")
	if !ok || arn != "arn:aws:iam::123456789012:role/ci" {
		t.Errorf("Arn: got %q, ok=%v", arn, ok)
	}
	account, ok := extractXMLField(body, "Account")
	if !ok || account != "123456789012" {
		t.Errorf("Account: got %q, ok=%v", account, ok)
	}
	if _, ok := extractXMLField(body, "Missing"); ok {
		t.Error("expected missing tag to report not found")
	}
}

func TestIsRoleAllowed(t *testing.T) {
	tests := []struct {
		name     string
		patterns []string
		arn      string
		want     bool
	}{
		{"wildcard allows all", []string{"*"}, "arn:aws:iam::1:role/anything", true},
		{"empty list allows all", nil, "arn:aws:iam::1:role/anything", true},
		{"exact match", []string{"arn:aws:iam::1:role/ci"}, "arn:aws:iam::1:role/ci", true},
		{"suffix glob", []string{"arn:aws:iam::1:role/ci-*"}, "arn:aws:iam::1:role/ci-runner", true},
		{"no match", []string{"arn:aws:iam::1:role/ci-*"}, "arn:aws:iam::1:role/other", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAuthenticator(false, tt.patterns, http.DefaultClient)
			if err != nil {
				t.Fatal(err)
			}
			if got := a.isRoleAllowed(tt.arn); got != tt.want {
				t.Errorf("isRoleAllowed(%q) = %v, want %v", tt.arn, got, tt.want)
			}
		})
	}
}

func TestAuthenticateSkipMode(t *testing.T) {
	a, err := NewAuthenticator(true, nil, http.DefaultClient)
	if err != nil {
		t.Fatal(err)
	}
	resp := a.Authenticate(context.Background(), &meshproto.Message{Type: meshproto.KindIamAuth})
	if !resp.Success {
		t.Fatal("expected skip-mode auth to succeed")
	}
	if resp.Identity.Arn != skippedValidationArn {
		t.Errorf("unexpected identity arn: %s", resp.Identity.Arn)
	}
}

func TestAuthenticateNoPresignedURL(t *testing.T) {
	a, err := NewAuthenticator(false, []string{"*"}, http.DefaultClient)
	if err != nil {
		t.Fatal(err)
	}
	resp := a.Authenticate(context.Background(), &meshproto.Message{Type: meshproto.KindIamAuth})
	if resp.Success {
		t.Fatal("expected failure without a presigned URL")
	}
}

func TestAuthenticateValidateModeSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<GetCallerIdentityResponse><GetCallerIdentityResult>` +
			`<Arn>arn:aws:iam::123456789012:role/ci</Arn>` +
			`<Account>123456789012</Account><UserId>u</UserId>` +
			`</GetCallerIdentityResult></GetCallerIdentityResponse>`))
	}))
	defer ts.Close()

	a, err := NewAuthenticator(false, []string{"arn:aws:iam::123456789012:role/*"}, ts.Client())
	if err != nil {
		t.Fatal(err)
	}
	resp := a.Authenticate(context.Background(), &meshproto.Message{Type: meshproto.KindIamAuth, PresignedURL: ts.URL})
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.ErrorMsg)
	}
}
