package azdo

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// adoResourceScope is the well-known Azure DevOps application ID, used as
// the OAuth2 scope when acquiring tokens via the client credentials flow.
const adoResourceScope = "499b84ac-1321-427f-aa17-267ca6975798/.default"

// Credential produces the Authorization header value for Azure DevOps
// requests. Implementations must be safe for concurrent use.
type Credential interface {
	Authorization(ctx context.Context) (string, error)
}

// PATCredential authenticates with a personal access token using HTTP
// basic auth, the way the Azure DevOps REST API expects PATs.
type PATCredential struct {
	encoded string
}

func NewPATCredential(pat string) *PATCredential {
	return &PATCredential{
		encoded: base64.StdEncoding.EncodeToString([]byte(":" + pat)),
	}
}

func (c *PATCredential) Authorization(ctx context.Context) (string, error) {
	return "Basic " + c.encoded, nil
}

// StaticBearerCredential authenticates with a fixed bearer token. If the
// token is a JWT with an exp claim, Authorization refuses to hand out the
// token once it has expired so that callers get a clear error instead of
// an opaque 401 from the service.
type StaticBearerCredential struct {
	token  string
	expiry time.Time
}

func NewStaticBearerCredential(token string) *StaticBearerCredential {
	exp, _ := TokenExpiry(token)
	return &StaticBearerCredential{token: token, expiry: exp}
}

func (c *StaticBearerCredential) Authorization(ctx context.Context) (string, error) {
	if !c.expiry.IsZero() && time.Now().After(c.expiry) {
		return "", fmt.Errorf("bearer token expired at %s", c.expiry.Format(time.RFC3339))
	}
	return "Bearer " + c.token, nil
}

// TokenExpiry reports the exp claim of a JWT without verifying its
// signature. It returns ok=false when the token is not a parseable JWT or
// carries no expiry.
func TokenExpiry(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// ClientCredential acquires and refreshes tokens from Microsoft Entra ID
// using the OAuth2 client credentials flow, scoped to Azure DevOps.
type ClientCredential struct {
	source oauth2.TokenSource
}

func NewClientCredential(tenantID, clientID, clientSecret string) *ClientCredential {
	cfg := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
		Scopes:       []string{adoResourceScope},
	}
	return &ClientCredential{source: cfg.TokenSource(context.Background())}
}

func (c *ClientCredential) Authorization(ctx context.Context) (string, error) {
	tok, err := c.source.Token()
	if err != nil {
		return "", fmt.Errorf("acquiring entra token: %w", err)
	}
	return "Bearer " + tok.AccessToken, nil
}
