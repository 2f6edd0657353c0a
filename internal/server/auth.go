package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gobwas/glob"

	"github.com/kloudcover/anywhere-mesh/internal/meshproto"
)

const (
	skippedValidationArn       = "arn:aws:iam::000000000000:role/skipped-validation"
	skippedValidationAccountID = "000000000000"
	skippedValidationUserID    = "skipped-validation"
)

// Authenticator validates an agent's presented identity and decides
// whether its ARN is authorized.
type Authenticator struct {
	httpClient *http.Client

	skipValidation bool
	patterns       []glob.Glob
	allowAll       bool
}

// NewAuthenticator compiles allowedArns once at construction time
// rather than on every match.
func NewAuthenticator(skipValidation bool, allowedArns []string, httpClient *http.Client) (*Authenticator, error) {
	a := &Authenticator{httpClient: httpClient, skipValidation: skipValidation}
	for _, pattern := range allowedArns {
		if pattern == "*" {
			a.allowAll = true
			continue
		}
		// '*' is the only wildcard: every other glob metacharacter is
		// quoted so it matches literally.
		parts := strings.Split(pattern, "*")
		for i, part := range parts {
			parts[i] = glob.QuoteMeta(part)
		}
		g, err := glob.Compile(strings.Join(parts, "*"))
		if err != nil {
			return nil, fmt.Errorf("compiling ARN pattern %q: %w", pattern, err)
		}
		a.patterns = append(a.patterns, g)
	}
	if len(allowedArns) == 0 {
		a.allowAll = true
	}
	return a, nil
}

// Reload recompiles the allow-list in place, used by the config
// hot-reload watcher.
func (a *Authenticator) Reload(allowedArns []string) error {
	fresh, err := NewAuthenticator(a.skipValidation, allowedArns, a.httpClient)
	if err != nil {
		return err
	}
	a.patterns = fresh.patterns
	a.allowAll = fresh.allowAll
	return nil
}

func (a *Authenticator) isRoleAllowed(arn string) bool {
	if a.allowAll {
		return true
	}
	for _, p := range a.patterns {
		if p.Match(arn) {
			return true
		}
	}
	return false
}

// Authenticate validates an IamAuth message and returns the
// IamAuthResponse message to send back.
func (a *Authenticator) Authenticate(ctx context.Context, msg *meshproto.Message) *meshproto.Message {
	if a.skipValidation {
		return &meshproto.Message{
			Type:    meshproto.KindIamAuthResponse,
			Success: true,
			Identity: &meshproto.Identity{
				Arn:           skippedValidationArn,
				AccountID:     skippedValidationAccountID,
				UserID:        skippedValidationUserID,
				PrincipalType: "AssumedRole",
			},
		}
	}

	if msg.PresignedURL == "" {
		return &meshproto.Message{
			Type:     meshproto.KindIamAuthResponse,
			Success:  false,
			ErrorMsg: "No presigned URL provided",
		}
	}

	identity, err := a.validateWithSTS(ctx, msg.PresignedURL)
	if err != nil {
		return &meshproto.Message{Type: meshproto.KindIamAuthResponse, Success: false, ErrorMsg: err.Error()}
	}

	if !a.isRoleAllowed(identity.Arn) {
		return &meshproto.Message{
			Type:     meshproto.KindIamAuthResponse,
			Success:  false,
			ErrorMsg: fmt.Sprintf("role %s is not in the allowed ARN list", identity.Arn),
		}
	}

	return &meshproto.Message{Type: meshproto.KindIamAuthResponse, Success: true, Identity: identity}
}

func (a *Authenticator) validateWithSTS(ctx context.Context, presignedURL string) (*meshproto.Identity, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, presignedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building STS request: %w", err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling STS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("STS returned status %d", resp.StatusCode)
	}

	body := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, readErr := resp.Body.Read(buf)
		body = append(body, buf[:n]...)
		if readErr != nil {
			break
		}
	}

	arn, ok1 := extractXMLField(string(body), "Arn")
	account, ok2 := extractXMLField(string(body), "Account")
	userID, ok3 := extractXMLField(string(body), "UserId")
	if !ok1 || !ok2 || !ok3 {
		return nil, fmt.Errorf("STS response missing Arn/Account/UserId")
	}

	return &meshproto.Identity{
		Arn:           arn,
		AccountID:     account,
		UserID:        userID,
		PrincipalType: "AssumedRole",
	}, nil
}

// extractXMLField is a minimal tag-scan extractor, not a general XML
// parser: the STS GetCallerIdentityResponse body is flat and regular
// enough that scanning for "<Tag>...</Tag>" is sufficient.
func extractXMLField(xml, tag string) (string, bool) {
	open := "<" + tag + ">"
	close_ := "</" + tag + ">"

	start := strings.Index(xml, open)
	if start == -1 {
		return "", false
	}
	start += len(open)

	end := strings.Index(xml[start:], close_)
	if end == -1 {
		return "", false
	}
	return xml[start : start+end], true
}
