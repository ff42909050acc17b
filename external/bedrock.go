// SigV4 signing transport for Bedrock-hosted completion endpoints.
package external

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// emptyPayloadHash is the SHA-256 of an empty body.
const emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

// BedrockSigningTransport is an http.RoundTripper that signs outgoing
// requests with AWS SigV4 for the bedrock service. Wrap it in an
// http.Client and pass that as CallParams.HTTPClient.
type BedrockSigningTransport struct {
	creds  aws.CredentialsProvider
	signer *v4.Signer
	region string
	base   http.RoundTripper
}

// NewBedrockSigningTransport loads the default AWS credential chain for
// region and returns a signing transport. base may be nil to use
// http.DefaultTransport.
func NewBedrockSigningTransport(ctx context.Context, region string, base http.RoundTripper) (*BedrockSigningTransport, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	if base == nil {
		base = http.DefaultTransport
	}
	return &BedrockSigningTransport{
		creds:  cfg.Credentials,
		signer: v4.NewSigner(),
		region: cfg.Region,
		base:   base,
	}, nil
}

// RoundTrip signs the request and delegates to the base transport.
func (t *BedrockSigningTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	payloadHash := emptyPayloadHash
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading body for signing: %w", err)
		}
		sum := sha256.Sum256(body)
		payloadHash = hex.EncodeToString(sum[:])
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
	}

	creds, err := t.creds.Retrieve(req.Context())
	if err != nil {
		return nil, fmt.Errorf("retrieving AWS credentials: %w", err)
	}
	if err := t.signer.SignHTTP(req.Context(), creds, req, payloadHash, "bedrock", t.region, time.Now()); err != nil {
		return nil, fmt.Errorf("signing request: %w", err)
	}
	return t.base.RoundTrip(req)
}
