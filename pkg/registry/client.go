// Package registry implements a minimal Docker Registry V2 client: the
// anonymous/Basic/Bearer authentication challenge flow, manifest
// retrieval, and the credential lookup/encoding used for external image
// pulls. PlatformPolicy does not use this client; it asks the daemon for
// manifest media types.
package registry

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/combust-labs/firebuild-multibuild/pkg/repoparse"
	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/docker/distribution/registry/client/auth/challenge"
	"github.com/pkg/errors"
)

func base64Encode(raw []byte) string {
	return base64.URLEncoding.EncodeToString(raw)
}

// pingTimeout bounds the V2 ping round trip; retries are never attempted.
const pingTimeout = 10 * time.Second

// Credentials is a username/password pair looked up for a registry host.
type Credentials struct {
	Username string
	Password string
}

// CredentialSource resolves registry credentials by host. MetadataStore's
// RegistrySecrets (keyed by host URL) is the primary implementation.
type CredentialSource func(repo *repoparse.Repo) (Credentials, bool)

// AuthState is the client's current authentication mode.
type AuthState struct {
	Scheme string // "none", "basic", "bearer"
	User   string
	Pass   string
	Token  string
}

// Client is a short-lived V2 registry client for one repository.
type Client struct {
	Repo       *repoparse.Repo
	httpClient *http.Client

	explicitAuthType string
	explicitCreds    Credentials
	credentials      CredentialSource

	currentAuth AuthState
}

// New returns a client for repo. explicitAuthType, when non-empty, is one
// of "basic", "bearer" or "none" and short-circuits the login state machine
// unless forceValidate is requested. explicitCreds is the username/password
// pair handed directly to the client; it ranks below registry-secrets
// entries in the credential precedence order. creds resolves
// registry-secrets-style per-host credentials; it may be nil.
func New(repo *repoparse.Repo, explicitAuthType string, explicitCreds Credentials, creds CredentialSource) *Client {
	return &Client{
		Repo:             repo,
		httpClient:       &http.Client{Timeout: pingTimeout},
		explicitAuthType: explicitAuthType,
		explicitCreds:    explicitCreds,
		credentials:      creds,
	}
}

// InvalidManifestError is raised when a manifest's schemaVersion exceeds
// the caller-requested maximum.
type InvalidManifestError struct {
	SchemaVersion int
	Max           int
}

func (e *InvalidManifestError) Error() string {
	return fmt.Sprintf("registry: manifest schemaVersion %d exceeds requested maximum %d", e.SchemaVersion, e.Max)
}

// Ping issues GET /v2/ against the repo's index. If authenticated, any 2xx
// is success. If unauthenticated, a 2xx or a 401 carrying a parseable
// WWW-Authenticate challenge both indicate the registry is reachable and
// speaks V2.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	resp, err := c.rawPing(ctx)
	if err != nil {
		return false, err
	}
	defer drain(resp)

	if c.currentAuth.Scheme != "" && c.currentAuth.Scheme != "none" {
		return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true, nil
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return len(c.parseChallenges(resp)) > 0, nil
	}
	return false, nil
}

func (c *Client) rawPing(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.Repo.IndexURL, "/")+"/v2/", nil)
	if err != nil {
		return nil, err
	}
	c.applyAuth(req)
	return c.httpClient.Do(req)
}

// Login runs the anonymous/Basic/Bearer challenge-response authentication
// state machine. It never issues more than one token acquisition request
// per call.
func (c *Client) Login(ctx context.Context, forceReset, forceValidate bool) (bool, error) {
	if forceReset {
		c.currentAuth = AuthState{}
	}

	if c.explicitAuthType != "" {
		switch c.explicitAuthType {
		case "none":
			c.currentAuth = AuthState{Scheme: "none"}
		case "basic":
			creds := c.lookupCredentials()
			c.currentAuth = AuthState{Scheme: "basic", User: creds.Username, Pass: creds.Password}
		case "bearer":
			c.currentAuth = AuthState{Scheme: "bearer"}
		default:
			return false, fmt.Errorf("registry: unknown auth type %q", c.explicitAuthType)
		}
		if !forceValidate {
			return true, nil
		}
		// forceValidate: confirm the adopted scheme actually authenticates,
		// without re-deriving the scheme from a fresh challenge.
		resp, err := c.rawPing(ctx)
		if err != nil {
			return false, err
		}
		defer drain(resp)
		return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
	}

	resp, err := c.rawPing(ctx)
	if err != nil {
		return false, err
	}
	defer drain(resp)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.currentAuth = AuthState{Scheme: "none"}
		return true, nil
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return false, fmt.Errorf("registry: ping failed with status %d", resp.StatusCode)
	}

	challenges := c.parseChallenges(resp)
	if len(challenges) == 0 && c.Repo.IndexName == "quay.io" {
		challenges = []challenge.Challenge{{
			Scheme: "bearer",
			Parameters: map[string]string{
				"realm":   "https://quay.io/v2/auth",
				"service": "quay.io",
			},
		}}
	}
	if len(challenges) == 0 {
		return false, nil
	}

	chal := challenges[0]
	switch strings.ToLower(chal.Scheme) {
	case "basic":
		creds := c.lookupCredentials()
		c.currentAuth = AuthState{Scheme: "basic", User: creds.Username, Pass: creds.Password}
		return true, nil
	case "bearer":
		return c.acquireBearerToken(ctx, chal)
	default:
		return false, nil
	}
}

// acquireBearerToken issues exactly one token request against the
// challenge's realm and adopts the returned token.
func (c *Client) acquireBearerToken(ctx context.Context, chal challenge.Challenge) (bool, error) {
	realm := chal.Parameters["realm"]
	if realm == "" {
		return false, nil
	}
	creds := c.lookupCredentials()

	q := url.Values{}
	if service := chal.Parameters["service"]; service != "" {
		q.Set("service", service)
	}
	q.Set("scope", fmt.Sprintf("repository:%s:pull", c.Repo.RemoteName))
	if creds.Username != "" {
		q.Set("account", creds.Username)
	}

	tokenURL := realm
	if strings.Contains(realm, "?") {
		tokenURL = realm + "&" + q.Encode()
	} else {
		tokenURL = realm + "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tokenURL, nil)
	if err != nil {
		return false, err
	}
	if creds.Username != "" {
		req.SetBasicAuth(creds.Username, creds.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, nil
	}
	defer drain(resp)

	var body struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, nil
	}

	token := body.Token
	if token == "" {
		token = body.AccessToken
	}
	if token == "" {
		return false, nil
	}
	c.currentAuth = AuthState{Scheme: "bearer", Token: token}
	return true, nil
}

// GetManifest retrieves the manifest for tag, decoded as a
// *schema2.DeserializedManifest or, for a multi-platform index, a
// *manifestlist.DeserializedManifestList. It must be called after Login. A
// non-2xx response is returned as its numeric status code; a 401 is
// rewritten to 404 because, at this point, it means the repository does
// not exist in the scope the caller could see.
func (c *Client) GetManifest(ctx context.Context, tag string, maxSchemaVersion int, acceptManifestLists bool) (interface{}, int, error) {
	if tag == "" {
		tag = "latest"
	}

	manifestURL := fmt.Sprintf("%s/v2/%s/manifests/%s", strings.TrimRight(c.Repo.IndexURL, "/"), c.Repo.RemoteName, tag)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, 0, err
	}
	c.applyAuth(req)

	accept := []string{schema2.MediaTypeManifest}
	if acceptManifestLists {
		accept = append(accept, manifestlist.MediaTypeManifestList)
	}
	req.Header.Set("Accept", strings.Join(accept, ", "))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, http.StatusNotFound, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, resp.StatusCode, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}

	var versioned struct {
		SchemaVersion int    `json:"schemaVersion"`
		MediaType     string `json:"mediaType"`
	}
	if err := json.Unmarshal(raw, &versioned); err != nil {
		return nil, 0, errors.Wrap(err, "registry: failed decoding manifest")
	}
	if versioned.SchemaVersion > maxSchemaVersion {
		return nil, 0, &InvalidManifestError{SchemaVersion: versioned.SchemaVersion, Max: maxSchemaVersion}
	}

	if versioned.MediaType == manifestlist.MediaTypeManifestList {
		list := &manifestlist.DeserializedManifestList{}
		if err := list.UnmarshalJSON(raw); err != nil {
			return nil, 0, errors.Wrap(err, "registry: failed decoding manifest list")
		}
		return list, http.StatusOK, nil
	}

	manifest := &schema2.DeserializedManifest{}
	if err := manifest.UnmarshalJSON(raw); err != nil {
		return nil, 0, errors.Wrap(err, "registry: failed decoding manifest")
	}
	return manifest, http.StatusOK, nil
}

func (c *Client) applyAuth(req *http.Request) {
	switch c.currentAuth.Scheme {
	case "basic":
		req.SetBasicAuth(c.currentAuth.User, c.currentAuth.Pass)
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+c.currentAuth.Token)
	}
}

func (c *Client) parseChallenges(resp *http.Response) []challenge.Challenge {
	return challenge.ResponseChallenges(resp)
}

// lookupCredentials applies the credential precedence order: registry-secrets
// entry by indexUrl (with/without trailing slash), then indexName, then the
// canonical Docker Hub URL for official repos; then explicit credentials
// passed to the client; then empty.
func (c *Client) lookupCredentials() Credentials {
	if c.credentials != nil {
		if creds, ok := c.credentials(c.Repo); ok {
			return creds
		}
	}
	if c.explicitCreds.Username != "" {
		return c.explicitCreds
	}
	return Credentials{}
}

// EncodeAuthConfig base64-encodes creds as the JSON payload the Docker
// Engine API expects in its X-Registry-Auth / RegistryAuth fields.
func EncodeAuthConfig(creds Credentials) (string, error) {
	raw, err := json.Marshal(struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}{Username: creds.Username, Password: creds.Password})
	if err != nil {
		return "", err
	}
	return base64Encode(raw), nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
