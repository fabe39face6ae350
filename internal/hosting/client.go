// Package hosting talks to the hosting service's REST API on behalf of an
// authorized user: profile, avatar and repository listing.
package hosting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/oauth2"

	"backit-go/internal/auth"
	"backit-go/internal/backit"
)

// DefaultAPIURL is the public GitHub REST endpoint.
const DefaultAPIURL = "https://api.github.com"

// DefaultMaxRepositories bounds repository listing when no limit is configured.
const DefaultMaxRepositories = 500

// AvatarSize is the edge length of the avatar thumbnail in pixels.
const AvatarSize = 64

const (
	userAgent = "backit"
	pageSize  = 100
	maxBody   = 10 << 20
)

// User is the subset of the current-user resource the client needs.
type User struct {
	Login     string `json:"login"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Repository is one entry of the user's repository list.
type Repository struct {
	FullName string `json:"full_name"`
	CloneURL string `json:"clone_url"`
}

// Options configures a Client. HTTPClient, when set, is the transport the
// bearer-token client is layered on and is also used for avatar downloads.
type Options struct {
	APIURL          string
	MaxRepositories int
	HTTPClient      *http.Client
}

// Client is an authenticated API client bound to one token.
type Client struct {
	apiURL   string
	maxRepos int
	api      *http.Client
	plain    *http.Client
	logger   backit.Logger
}

var _ auth.ProfileSource = (*Client)(nil)

// NewClient returns a client that sends token as a bearer credential on
// every API request. Avatar downloads go out without it.
func NewClient(token string, opts Options, logger backit.Logger) *Client {
	plain := opts.HTTPClient
	if plain == nil {
		plain = &http.Client{Timeout: 30 * time.Second}
	}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, plain)
	api := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}))
	api.Timeout = plain.Timeout

	apiURL := strings.TrimRight(opts.APIURL, "/")
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	maxRepos := opts.MaxRepositories
	if maxRepos <= 0 {
		maxRepos = DefaultMaxRepositories
	}
	return &Client{apiURL: apiURL, maxRepos: maxRepos, api: api, plain: plain, logger: logger}
}

// Profiles adapts NewClient to auth.ProfileFunc.
func Profiles(opts Options, logger backit.Logger) auth.ProfileFunc {
	return func(token string) auth.ProfileSource {
		return NewClient(token, opts, logger)
	}
}

// CurrentUser fetches the account the token belongs to.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var u User
	if err := c.getJSON(ctx, c.apiURL+"/user", &u); err != nil {
		return nil, err
	}
	if u.Login == "" {
		return nil, &backit.NetworkError{Op: "GET /user", Err: fmt.Errorf("response has no login")}
	}
	return &u, nil
}

// Profile fetches the current user and, when it has one, the avatar
// thumbnail. A failed avatar download is logged and leaves Avatar empty.
func (c *Client) Profile(ctx context.Context) (*backit.Profile, error) {
	u, err := c.CurrentUser(ctx)
	if err != nil {
		return nil, err
	}
	p := &backit.Profile{Login: u.Login, Name: u.Name, AvatarURL: u.AvatarURL}
	if u.AvatarURL == "" {
		return p, nil
	}
	avatar, err := c.Avatar(ctx, u.AvatarURL)
	if err != nil {
		c.logger.Warn("avatar unavailable", "login", u.Login, "error", err)
		return p, nil
	}
	p.Avatar = avatar
	return p, nil
}

// Avatar downloads the image at rawURL and returns it as a square PNG
// thumbnail of AvatarSize pixels. Bytes that cannot be decoded as an image
// are returned as downloaded.
func (c *Client) Avatar(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building avatar request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	data, err := c.do(c.plain, req, "GET avatar")
	if err != nil {
		return nil, err
	}
	thumb, err := Thumbnail(data)
	if err != nil {
		c.logger.Warn("avatar kept unscaled", "url", rawURL, "error", err)
		return data, nil
	}
	return thumb, nil
}

// Thumbnail decodes an image and crops it to an AvatarSize square PNG.
func Thumbnail(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding avatar: %w", err)
	}
	thumb := imaging.Fill(img, AvatarSize, AvatarSize, imaging.Center, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encoding avatar: %w", err)
	}
	return buf.Bytes(), nil
}

// Repositories lists the user's repositories, most recently updated first,
// stopping at the configured maximum.
func (c *Client) Repositories(ctx context.Context) ([]Repository, error) {
	var repos []Repository
	for page := 1; len(repos) < c.maxRepos; page++ {
		q := url.Values{
			"per_page": {strconv.Itoa(pageSize)},
			"sort":     {"updated"},
			"page":     {strconv.Itoa(page)},
		}
		var batch []Repository
		if err := c.getJSON(ctx, c.apiURL+"/user/repos?"+q.Encode(), &batch); err != nil {
			return nil, err
		}
		repos = append(repos, batch...)
		if len(batch) < pageSize {
			break
		}
	}
	if len(repos) > c.maxRepos {
		repos = repos[:c.maxRepos]
	}
	c.logger.Debug("repositories listed", "count", len(repos))
	return repos, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", userAgent)

	op := "GET " + req.URL.Path
	data, err := c.do(c.api, req, op)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &backit.NetworkError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}

// do sends req and returns the body of a 2xx response. Anything else is a
// NetworkError carrying the status and body; 401 also wraps ErrNotAuthenticated.
func (c *Client) do(client *http.Client, req *http.Request, op string) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, &backit.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, &backit.NetworkError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		ne := &backit.NetworkError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
		if resp.StatusCode == http.StatusUnauthorized {
			ne.Err = backit.ErrNotAuthenticated
		}
		return nil, ne
	}
	return data, nil
}
