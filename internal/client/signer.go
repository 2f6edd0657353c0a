// Package client implements the agent side of the mesh: the signer,
// the control-channel reconnect loop, the local HTTP forwarder, and
// the WebSocket reverse proxy.
package client

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"
)

// Credentials are the AWS-style credentials the signer needs. Sourced
// from environment variables rather than the full AWS SDK credential
// chain, since signing one presigned STS URL doesn't need anything
// beyond static keys and an optional session token.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// CredentialsFromEnv reads AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY /
// AWS_SESSION_TOKEN / AWS_REGION.
func CredentialsFromEnv() (Credentials, error) {
	creds := Credentials{
		AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		Region:          os.Getenv("AWS_REGION"),
	}
	if creds.Region == "" {
		creds.Region = "us-east-1"
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return Credentials{}, fmt.Errorf("AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set")
	}
	return creds, nil
}

// awsQueryEscape percent-encodes a string for SigV4 query-string
// canonicalization: every byte outside the unreserved set (RFC 3986
// alphanumerics, '-', '_', '.', '~') is escaped.
func awsQueryEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '~':
		return true
	}
	return false
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// BuildPresignedSTSURL constructs a v4-signed GET URL against the STS
// GetCallerIdentity endpoint: a presigned URL the ingress server can
// call on the agent's behalf to verify its identity without ever
// handling the agent's credentials directly.
func BuildPresignedSTSURL(creds Credentials, now time.Time) (string, error) {
	const service = "sts"
	host := fmt.Sprintf("sts.%s.amazonaws.com", creds.Region)

	amzDate := now.UTC().Format("20060102T150405Z")
	dateStamp := amzDate[:8]

	type kv struct{ k, v string }
	query := []kv{
		{"Action", "GetCallerIdentity"},
		{"Version", "2011-06-15"},
		{"X-Amz-Algorithm", "AWS4-HMAC-SHA256"},
		{"X-Amz-Credential", fmt.Sprintf("%s/%s/%s/%s/aws4_request", creds.AccessKeyID, dateStamp, creds.Region, service)},
		{"X-Amz-Date", amzDate},
		{"X-Amz-Expires", "60"},
		{"X-Amz-SignedHeaders", "host"},
	}
	if creds.SessionToken != "" {
		query = append(query, kv{"X-Amz-Security-Token", creds.SessionToken})
	}

	encoded := make([]kv, len(query))
	for i, p := range query {
		encoded[i] = kv{awsQueryEscape(p.k), awsQueryEscape(p.v)}
	}
	sort.Slice(encoded, func(i, j int) bool {
		if encoded[i].k != encoded[j].k {
			return encoded[i].k < encoded[j].k
		}
		return encoded[i].v < encoded[j].v
	})

	parts := make([]string, len(encoded))
	for i, p := range encoded {
		parts[i] = p.k + "=" + p.v
	}
	canonicalQuery := strings.Join(parts, "&")

	canonicalHeaders := "host:" + host + "\n"
	signedHeaders := "host"
	payloadHash := sha256Hex("")

	canonicalRequest := strings.Join([]string{
		"GET", "/", canonicalQuery, canonicalHeaders, signedHeaders, payloadHash,
	}, "\n")

	scope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, creds.Region, service)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256", amzDate, scope, sha256Hex(canonicalRequest),
	}, "\n")

	kDate := hmacSHA256([]byte("AWS4"+creds.SecretAccessKey), dateStamp)
	kRegion := hmacSHA256(kDate, creds.Region)
	kService := hmacSHA256(kRegion, service)
	kSigning := hmacSHA256(kService, "aws4_request")
	signature := hex.EncodeToString(hmacSHA256(kSigning, stringToSign))

	return fmt.Sprintf("https://%s/?%s&X-Amz-Signature=%s", host, canonicalQuery, signature), nil
}

// WebSocketToHTTPHealthURL derives the server's HTTP health-check URL
// from its control-channel WebSocket endpoint: ws->http, wss->https,
// any path is dropped and replaced with /health.
func WebSocketToHTTPHealthURL(ingressEndpoint string) (string, error) {
	u, err := url.Parse(ingressEndpoint)
	if err != nil {
		return "", fmt.Errorf("parsing ingress endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String(), nil
}
