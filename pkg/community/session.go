// Package community provides the cookie-bearing HTTP session used by every
// Steam web endpoint: the mobile-client header set, community and API URL
// builders, Steam's peculiar error conventions and cookie persistence.
package community

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultCommunityBase = "https://steamcommunity.com"
	DefaultAPIBase       = "https://api.steampowered.com"

	// OAuthClientID is the fixed client ID of the mobile app. It is part of
	// the wire contract and must be sent verbatim.
	OAuthClientID = "DE45CD61"
	// OAuthScope is the scope requested alongside OAuthClientID.
	OAuthScope = "read_profile write_profile read_client write_client"

	defaultRequestTimeout = 30 * time.Second
)

// mobileHeaders make requests look like the Android Steam app, which is
// what unlocks the OAuth login endpoints.
var mobileHeaders = map[string]string{
	"X-Requested-With": "com.valvesoftware.android.steam.community",
	"Referer":          DefaultCommunityBase + "/mobilelogin?oauth_client_id=" + OAuthClientID + "&oauth_scope=read_profile%20write_profile%20read_client%20write_client",
	"User-Agent":       "Mozilla/5.0 (Linux; U; Android 4.1.1; en-us; Google Nexus 4 - 4.1.1 - API 16 - 768x1280 Build/JRO03S) AppleWebKit/534.30 (KHTML, like Gecko) Version/4.0 Mobile Safari/534.30",
	"Accept":           "text/javascript, text/html, application/xml, text/xml, */*",
}

// presetCookies are sent on every request; Steam keys some responses off
// the declared language and client version.
var presetCookies = map[string]string{
	"Steam_Language":      "english",
	"timezoneOffset":      "0,0",
	"mobileClientVersion": "0 (2.1.3)",
	"mobileClient":        "android",
}

// Config tunes the session transport. The base URL overrides exist for
// tests; production use keeps the defaults.
type Config struct {
	CommunityBase  string        `yaml:"community_base_url"`
	APIBase        string        `yaml:"api_base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (c *Config) applyDefaults() {
	if c.CommunityBase == "" {
		c.CommunityBase = DefaultCommunityBase
	}
	if c.APIBase == "" {
		c.APIBase = DefaultAPIBase
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
}

// Session is a cookie-bearing HTTP client scoped to the Steam community
// and API hosts. It is safe for use by a single logical flow of control;
// callers running it from multiple goroutines must serialize access the
// same way the chat engine does.
type Session struct {
	httpClient    *http.Client
	jar           *cookiejar.Jar
	communityBase string
	apiBase       string
	communityURL  *url.URL
	log           zerolog.Logger
	onExpired     func()
}

// Response is the decoded outcome of a single request.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON unmarshals the response body.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// NewSession builds a session with a fresh cookie jar, the mobile header
// set and Steam's preset cookies.
func NewSession(cfg Config, log zerolog.Logger) (*Session, error) {
	cfg.applyDefaults()

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	communityURL, err := url.Parse(cfg.CommunityBase)
	if err != nil {
		return nil, fmt.Errorf("invalid community base URL: %w", err)
	}

	s := &Session{
		httpClient: &http.Client{
			Jar: jar,
			// Redirects are surfaced, not followed: a redirect to /login is
			// how Steam signals an expired session.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Timeout: cfg.RequestTimeout,
		},
		jar:           jar,
		communityBase: strings.TrimRight(cfg.CommunityBase, "/"),
		apiBase:       strings.TrimRight(cfg.APIBase, "/"),
		communityURL:  communityURL,
		log:           log.With().Str("component", "community_session").Logger(),
	}

	for name, value := range presetCookies {
		s.SetCookie(name, value)
	}
	return s, nil
}

// OnSessionExpired registers the callback invoked whenever a response
// indicates the web session is no longer valid.
func (s *Session) OnSessionExpired(fn func()) {
	s.onExpired = fn
}

// CommunityURL builds a full steamcommunity URL, e.g.
// CommunityURL("login", "dologin") → ".../login/dologin/".
func (s *Session) CommunityURL(namespace, method string) string {
	if method == "" {
		return fmt.Sprintf("%s/%s/", s.communityBase, namespace)
	}
	return fmt.Sprintf("%s/%s/%s/", s.communityBase, namespace, method)
}

// APIURL builds a full Steam API URL, e.g.
// APIURL("ISteamWebUserPresenceOAuth", "Poll", "1") → ".../Poll/v1/".
func (s *Session) APIURL(iface, method, version string) string {
	return fmt.Sprintf("%s/%s/%s/v%s/", s.apiBase, iface, method, version)
}

// PostForm issues a form-encoded POST. The context controls the request
// deadline; without one the session default applies.
func (s *Session) PostForm(ctx context.Context, rawurl string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawurl, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return s.do(req)
}

// Get issues a GET with optional query parameters.
func (s *Session) Get(ctx context.Context, rawurl string, query url.Values) (*Response, error) {
	if len(query) > 0 {
		sep := "?"
		if strings.Contains(rawurl, "?") {
			sep = "&"
		}
		rawurl += sep + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

func (s *Session) do(req *http.Request) (*Response, error) {
	for name, value := range mobileHeaders {
		if req.Header.Get(name) == "" {
			req.Header.Set(name, value)
		}
	}

	requestID := uuid.NewString()
	s.log.Debug().
		Str("request_id", requestID).
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Msg("Sending request")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Debug().Str("request_id", requestID).Err(err).Msg("Request failed")
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	s.log.Debug().
		Str("request_id", requestID).
		Int("status", resp.StatusCode).
		Int("body_bytes", len(body)).
		Msg("Received response")

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	s.checkSessionExpired(out)
	return out, nil
}

var (
	sorryPattern    = regexp.MustCompile(`<h1>Sorry!</h1>`)
	steamIDFalse    = regexp.MustCompile(`g_steamID = false;`)
	signInPattern   = regexp.MustCompile(`<h1>Sign In</h1>`)
	loginRedirectRe = regexp.MustCompile(`/login`)
)

// checkSessionExpired applies Steam's two conventions for reporting an
// invalid session: a redirect to the login page, or a community page that
// renders the sign-in prompt with g_steamID unset.
func (s *Session) checkSessionExpired(resp *Response) {
	if resp.StatusCode >= 300 && resp.StatusCode <= 399 &&
		loginRedirectRe.MatchString(resp.Header.Get("Location")) {
		s.emitExpired()
		return
	}
	if steamIDFalse.Match(resp.Body) && signInPattern.Match(resp.Body) {
		s.emitExpired()
	}
}

// IsCommunityError reports whether a community page body is one of Steam's
// HTML error pages rather than real content.
func IsCommunityError(body []byte) bool {
	return sorryPattern.Match(body) ||
		(steamIDFalse.Match(body) && signInPattern.Match(body))
}

func (s *Session) emitExpired() {
	s.log.Warn().Msg("Steam web session expired")
	if s.onExpired != nil {
		s.onExpired()
	}
}

// GenerateSessionID produces the random nonce Steam expects in the
// "sessionid" cookie: twelve random bytes rendered as hex.
func GenerateSessionID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

// SetCookie sets a cookie on the community host.
func (s *Session) SetCookie(name, value string) {
	s.jar.SetCookies(s.communityURL, []*http.Cookie{{Name: name, Value: value, Path: "/"}})
}

// Cookie returns the named community cookie's value, or "" when absent.
func (s *Session) Cookie(name string) string {
	for _, c := range s.jar.Cookies(s.communityURL) {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}
