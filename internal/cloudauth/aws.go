package cloudauth

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
)

// AWSSigV4Transport signs outbound requests with AWS Signature Version 4.
// The Bedrock adapter mounts it under its http.Client so both invoke and
// invoke-with-response-stream calls go out signed. SigV4 needs the SHA-256
// of the payload, so the body is buffered before signing; invoke bodies are
// small JSON documents, the response stream is unaffected.
type AWSSigV4Transport struct {
	base    http.RoundTripper
	creds   aws.CredentialsProvider
	signer  *v4.Signer
	region  string
	service string
}

// NewAWSSigV4Transport returns a signing transport for the given region and
// service (e.g. "us-east-1", "bedrock-runtime"). creds usually comes from
// the SDK's default chain.
func NewAWSSigV4Transport(base http.RoundTripper, creds aws.CredentialsProvider, region, service string) *AWSSigV4Transport {
	return &AWSSigV4Transport{
		base:    base,
		creds:   creds,
		signer:  v4.NewSigner(),
		region:  region,
		service: service,
	}
}

// RoundTrip signs a clone of the request and forwards it to the base
// transport. The original request is never mutated.
func (t *AWSSigV4Transport) RoundTrip(r *http.Request) (*http.Response, error) {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("cloudauth: read body for signing: %w", err)
		}
	}

	signed := r.Clone(r.Context())
	if len(body) > 0 {
		signed.Body = io.NopCloser(bytes.NewReader(body))
		signed.ContentLength = int64(len(body))
	} else {
		signed.Body = http.NoBody
		signed.ContentLength = 0
	}

	creds, err := t.creds.Retrieve(r.Context())
	if err != nil {
		return nil, fmt.Errorf("cloudauth: retrieve AWS credentials: %w", err)
	}

	// An empty body hashes to the SHA-256 of the empty string, which is
	// what SigV4 expects for body-less requests.
	sum := sha256.Sum256(body)
	hash := hex.EncodeToString(sum[:])
	if err := t.signer.SignHTTP(r.Context(), creds, signed, hash, t.service, t.region, time.Now()); err != nil {
		return nil, fmt.Errorf("cloudauth: sign request: %w", err)
	}

	return t.getBase().RoundTrip(signed)
}

func (t *AWSSigV4Transport) getBase() http.RoundTripper {
	if t.base != nil {
		return t.base
	}
	return http.DefaultTransport
}
