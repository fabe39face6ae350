// Package auth implements the OAuth device authorization grant used to
// obtain a hosting token without the client ever seeing the password.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"backit-go/internal/backit"
)

const instrumentationName = "backit-go/internal/auth"

// DefaultInterval is used when the server does not suggest a poll interval.
const DefaultInterval = 5 * time.Second

// slowDownStep is added to the interval on slow_down when the server names none.
const slowDownStep = 5 * time.Second

// State is the lifecycle position of an authorization session.
type State int

const (
	Idle State = iota
	CodeIssued
	Polling
	Authorized
	Expired
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CodeIssued:
		return "code_issued"
	case Polling:
		return "polling"
	case Authorized:
		return "authorized"
	case Expired:
		return "expired"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition can happen in the session.
func (s State) Terminal() bool {
	return s == Authorized || s == Expired || s == Failed
}

// Config selects the OAuth application and endpoints.
// Blank endpoints default to GitHub's.
type Config struct {
	ClientID      string
	Scopes        []string
	DeviceAuthURL string
	TokenURL      string
	HTTPClient    *http.Client
	// After schedules the next poll attempt. Defaults to time.After.
	After func(time.Duration) <-chan time.Time
}

// Session is a read-only view of the current authorization session.
type Session struct {
	UserCode        string
	VerificationURI string
	Interval        time.Duration
	State           State
}

// DeviceCode is what the user needs to authorize the client in a browser.
type DeviceCode struct {
	UserCode        string
	VerificationURI string
	Interval        time.Duration
	Expiry          time.Time
}

// Grant is the result of a successful authorization. Profile is nil when the
// follow-up profile fetch failed.
type Grant struct {
	Token   *oauth2.Token
	Profile *backit.Profile
}

// ProfileSource loads the account profile for an authorized token.
type ProfileSource interface {
	Profile(ctx context.Context) (*backit.Profile, error)
}

// ProfileFunc binds a token to a ProfileSource.
type ProfileFunc func(token string) ProfileSource

// session is one pass through the state machine. stop is closed on cancel;
// done is closed when the poll loop returns.
type session struct {
	deviceCode string
	code       DeviceCode
	interval   time.Duration
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
}

func (s *session) cancel() { s.stopOnce.Do(func() { close(s.stop) }) }

// context derives a context that also ends when the session is canceled.
func (s *session) context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Flow runs device authorization sessions, one at a time.
type Flow struct {
	oauth    *oauth2.Config
	client   *http.Client
	after    func(time.Duration) <-chan time.Time
	profiles ProfileFunc
	logger   backit.Logger
	tracer   trace.Tracer

	reqMu sync.Mutex // serializes RequestCode

	mu      sync.Mutex
	state   State
	current *session
}

// NewFlow creates a Flow. profiles may be nil, in which case grants carry no profile.
func NewFlow(cfg Config, profiles ProfileFunc, logger backit.Logger) *Flow {
	endpoint := github.Endpoint
	if cfg.DeviceAuthURL != "" {
		endpoint.DeviceAuthURL = cfg.DeviceAuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	return &Flow{
		oauth: &oauth2.Config{
			ClientID: cfg.ClientID,
			Scopes:   cfg.Scopes,
			Endpoint: endpoint,
		},
		client:   client,
		after:    after,
		profiles: profiles,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
	}
}

// State returns the current session state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Session returns the current session, or nil when none was started.
func (f *Flow) Session() *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil
	}
	return &Session{
		UserCode:        f.current.code.UserCode,
		VerificationURI: f.current.code.VerificationURI,
		Interval:        f.current.interval,
		State:           f.state,
	}
}

// RequestCode starts a new session. Any session still in flight is canceled
// and its poll loop has returned before the device code is requested.
func (f *Flow) RequestCode(ctx context.Context) (code *DeviceCode, err error) {
	f.reqMu.Lock()
	defer f.reqMu.Unlock()

	ctx, span := f.tracer.Start(ctx, "auth.RequestCode")
	defer func() { finishSpan(span, err) }()

	f.Cancel()

	s := &session{stop: make(chan struct{})}
	f.mu.Lock()
	f.current = s
	f.state = Idle
	f.mu.Unlock()

	reqCtx, cancel := s.context(context.WithValue(ctx, oauth2.HTTPClient, f.client))
	defer cancel()

	resp, err := f.oauth.DeviceAuth(reqCtx)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, backit.ErrCanceled
		}
		return nil, deviceAuthError(err)
	}

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = DefaultInterval
	}
	s.deviceCode = resp.DeviceCode
	s.code = DeviceCode{
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		Interval:        interval,
		Expiry:          resp.Expiry,
	}
	s.interval = interval

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != s {
		return nil, backit.ErrCanceled
	}
	select {
	case <-s.stop:
		return nil, backit.ErrCanceled
	default:
	}
	f.state = CodeIssued
	f.logger.Info("device code issued", "verification_uri", resp.VerificationURI, "interval", interval)
	out := s.code
	return &out, nil
}

// Poll waits for the user to authorize the issued code. The first attempt is
// made one interval after Poll starts; cancellation is checked before every
// attempt. Polling has no client-side deadline: it ends on a grant, a terminal
// error from the server, or Cancel.
func (f *Flow) Poll(ctx context.Context) (grant *Grant, err error) {
	f.mu.Lock()
	s := f.current
	if s == nil || f.state != CodeIssued {
		state := f.state
		f.mu.Unlock()
		return nil, &backit.ValidationError{Field: "session", Reason: "no device code to poll for (state " + state.String() + ")"}
	}
	s.done = make(chan struct{})
	f.state = Polling
	f.mu.Unlock()
	defer close(s.done)

	ctx, span := f.tracer.Start(ctx, "auth.Poll")
	defer func() { finishSpan(span, err) }()

	ctx, cancel := s.context(ctx)
	defer cancel()

	interval := s.interval
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return nil, f.canceled(s)
		case <-f.after(interval):
		}
		if ctx.Err() != nil {
			return nil, f.canceled(s)
		}

		attempts++
		res, err := f.exchange(ctx, s.deviceCode)
		if err != nil {
			if ctx.Err() != nil {
				return nil, f.canceled(s)
			}
			f.finish(s, Failed)
			return nil, err
		}

		switch res.Error {
		case "":
			span.SetAttributes(attribute.Int("auth.attempts", attempts))
			return f.authorized(ctx, s, res), nil
		case "authorization_pending":
			continue
		case "slow_down":
			if res.Interval > 0 {
				interval = time.Duration(res.Interval) * time.Second
			} else {
				interval += slowDownStep
			}
			f.setInterval(s, interval)
			f.logger.Debug("token endpoint asked to slow down", "interval", interval)
		case "expired_token":
			f.finish(s, Expired)
			return nil, &backit.AuthError{Kind: backit.AuthExpired, Code: res.Error, Description: res.ErrorDescription}
		case "access_denied":
			f.finish(s, Failed)
			return nil, &backit.AuthError{Kind: backit.AuthDenied, Code: res.Error, Description: res.ErrorDescription}
		case rateLimitedCode:
			f.finish(s, Failed)
			return nil, &backit.AuthError{Kind: backit.AuthRateLimited, Code: res.Error, Description: res.ErrorDescription}
		default:
			f.finish(s, Failed)
			return nil, &backit.AuthError{Kind: backit.AuthOther, Code: res.Error, Description: res.ErrorDescription}
		}
	}
}

// Cancel stops the current session without producing a grant and waits for
// its poll loop to return. It is safe to call from any goroutine, any number
// of times.
func (f *Flow) Cancel() {
	f.mu.Lock()
	s := f.current
	if s == nil {
		f.mu.Unlock()
		return
	}
	s.cancel()
	done := s.done
	if !f.state.Terminal() {
		f.state = Idle
	}
	f.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (f *Flow) authorized(ctx context.Context, s *session, res *tokenResponse) *Grant {
	tok := &oauth2.Token{AccessToken: res.AccessToken, TokenType: res.TokenType}
	if res.Scope != "" {
		tok = tok.WithExtra(map[string]any{"scope": res.Scope})
	}
	f.finish(s, Authorized)
	f.logger.Info("device authorized")

	grant := &Grant{Token: tok}
	if f.profiles == nil {
		return grant
	}
	profile, err := f.profiles(tok.AccessToken).Profile(ctx)
	if err != nil {
		f.logger.Warn("fetching profile after authorization", "error", err)
		return grant
	}
	grant.Profile = profile
	return grant
}

func (f *Flow) finish(s *session, state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == s {
		f.state = state
	}
}

func (f *Flow) canceled(s *session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == s && !f.state.Terminal() {
		f.state = Idle
	}
	f.logger.Info("authorization canceled")
	return backit.ErrCanceled
}

func (f *Flow) setInterval(s *session, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s.interval = d
}

// deviceAuthError converts an oauth2 failure into a NetworkError carrying
// the response status and body when there was one.
func deviceAuthError(err error) error {
	ne := &backit.NetworkError{Op: "requesting device code", Err: err}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		ne.StatusCode = re.Response.StatusCode
		ne.Body = strings.TrimSpace(string(re.Body))
	}
	return ne
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
