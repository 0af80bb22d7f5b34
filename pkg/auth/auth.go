// Package auth drives the multi-round Steam web login handshake: RSA key
// fetch, encrypted credential submission, SteamGuard/two-factor/captcha
// challenge rounds and token-based re-authentication.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"go.shadowdrake.org/steamweb/pkg/community"
	"go.shadowdrake.org/steamweb/pkg/steamid"
)

// Status is the outcome of a login round. The three challenge statuses are
// re-entrant: supply the missing factor via Retry and the same request is
// reissued with the cached fields merged in.
type Status int

const (
	StatusWaiting Status = iota
	StatusFailed
	StatusSuccess
	StatusSteamGuard
	StatusTwoFactor
	StatusCaptcha
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusFailed:
		return "failed"
	case StatusSuccess:
		return "success"
	case StatusSteamGuard:
		return "steamguard"
	case StatusTwoFactor:
		return "twofactor"
	case StatusCaptcha:
		return "captcha"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Details carries the login form inputs. Recognized keys: "username",
// "password", "steamguard" (email code), "twofactor" (mobile authenticator
// code), "captcha".
type Details map[string]string

var (
	// ErrKeyFetchFailed means the RSA public key endpoint did not return a
	// usable key.
	ErrKeyFetchFailed = errors.New("auth: failed to fetch RSA key")
	// ErrMalformedTokenResponse means the token exchange endpoint answered
	// without the expected token fields.
	ErrMalformedTokenResponse = errors.New("auth: malformed token exchange response")
)

// LoginError carries the server-provided failure message from a rejected
// login attempt.
type LoginError struct {
	Message string
}

func (e *LoginError) Error() string {
	return "auth: steam login failed: " + e.Message
}

// Client performs logins over a community session. On success the SteamID,
// OAuthToken, SteamGuardToken and SessionNonce fields are populated.
type Client struct {
	session *community.Session
	log     zerolog.Logger

	cache      Details
	captchaGID string

	SteamID steamid.SteamID
	// OAuthToken authorizes API calls on behalf of the logged-in account.
	OAuthToken string
	// SteamGuardToken is the composite steamID||machineAuthCookie token
	// accepted by LoginWithToken for password-less re-authentication.
	SteamGuardToken string
	// SessionNonce is the value of the sessionid cookie for this login.
	SessionNonce string
}

// NewClient builds an auth client on top of an existing community session.
func NewClient(session *community.Session, log zerolog.Logger) *Client {
	return &Client{
		session:    session,
		log:        log.With().Str("component", "auth").Logger(),
		captchaGID: "-1",
	}
}

type rsaKeyResponse struct {
	Success      bool   `json:"success"`
	PublicKeyMod string `json:"publickey_mod"`
	PublicKeyExp string `json:"publickey_exp"`
	Timestamp    string `json:"timestamp"`
}

type doLoginResponse struct {
	Success           bool   `json:"success"`
	EmailAuthNeeded   bool   `json:"emailauth_needed"`
	RequiresTwoFactor bool   `json:"requires_twofactor"`
	CaptchaNeeded     bool   `json:"captcha_needed"`
	CaptchaGID        string `json:"captcha_gid"`
	Message           string `json:"message"`
	OAuth             string `json:"oauth"`
}

type oauthPayload struct {
	SteamID    string `json:"steamid"`
	OAuthToken string `json:"oauth_token"`
}

// Login runs one round of the login handshake. The returned status is
// StatusSuccess, StatusFailed, or one of the challenge statuses, in which
// case the caller collects the missing factor and calls Retry.
func (c *Client) Login(ctx context.Context, details Details) (Status, error) {
	username := details["username"]
	c.log.Info().Str("username", username).Msg("Fetching RSA key for login")

	keyResp, err := c.session.PostForm(ctx, c.session.CommunityURL("login", "getrsakey"),
		url.Values{"username": {username}})
	if err != nil {
		return StatusFailed, fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	if keyResp.StatusCode != http.StatusOK {
		return StatusFailed, fmt.Errorf("%w: status %d", ErrKeyFetchFailed, keyResp.StatusCode)
	}

	var key rsaKeyResponse
	if err := keyResp.JSON(&key); err != nil {
		return StatusFailed, fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}

	encrypted, err := encryptPassword(details["password"], key.PublicKeyMod, key.PublicKeyExp)
	if err != nil {
		return StatusFailed, err
	}

	form := url.Values{
		"captcha_text":      {details["captcha"]},
		"captchagid":        {c.captchaGID},
		"emailauth":         {details["steamguard"]},
		"emailsteamid":      {""},
		"password":          {encrypted},
		"remember_login":    {"true"},
		"rsatimestamp":      {key.Timestamp},
		"twofactorcode":     {details["twofactor"]},
		"username":          {username},
		"oauth_client_id":   {community.OAuthClientID},
		"oauth_scope":       {community.OAuthScope},
		"loginfriendlyname": {"#login_emailauth_friendlyname_mobile"},
	}

	loginResp, err := c.session.PostForm(ctx, c.session.CommunityURL("login", "dologin"), form)
	if err != nil {
		return StatusFailed, fmt.Errorf("login request failed: %w", err)
	}

	var result doLoginResponse
	if err := loginResp.JSON(&result); err != nil {
		return StatusFailed, fmt.Errorf("failed to decode login response: %w", err)
	}

	c.cache = maps.Clone(details)

	switch {
	case !result.Success && result.EmailAuthNeeded:
		c.log.Info().Msg("Login requires SteamGuard email code")
		return StatusSteamGuard, nil
	case !result.Success && result.RequiresTwoFactor:
		c.log.Info().Msg("Login requires two-factor code")
		return StatusTwoFactor, nil
	case !result.Success && result.CaptchaNeeded:
		c.captchaGID = result.CaptchaGID
		c.log.Info().Str("captcha_gid", c.captchaGID).Msg("Login requires captcha")
		return StatusCaptcha, nil
	case !result.Success:
		message := result.Message
		if message == "" {
			message = "Unknown error"
		}
		c.log.Error().Str("message", message).Msg("Login rejected")
		return StatusFailed, &LoginError{Message: message}
	}

	return c.finishLogin(result)
}

// finishLogin parses the embedded OAuth payload and captures the session
// artifacts of a successful login.
func (c *Client) finishLogin(result doLoginResponse) (Status, error) {
	var payload oauthPayload
	if err := json.Unmarshal([]byte(result.OAuth), &payload); err != nil {
		return StatusFailed, fmt.Errorf("failed to decode oauth payload: %w", err)
	}

	id, err := steamid.Parse(payload.SteamID)
	if err != nil {
		return StatusFailed, fmt.Errorf("failed to parse steam id from oauth payload: %w", err)
	}

	nonce := community.GenerateSessionID()
	c.session.SetCookie("sessionid", nonce)

	c.SteamID = id
	c.OAuthToken = payload.OAuthToken
	c.SessionNonce = nonce

	machineAuth := c.session.Cookie("steamMachineAuth" + id.String())
	c.SteamGuardToken = id.String() + "||" + machineAuth

	c.cache = nil

	c.log.Info().
		Str("steam_id", id.String()).
		Bool("machine_auth", machineAuth != "").
		Msg("Login successful")
	return StatusSuccess, nil
}

// Retry reissues the previous login attempt with the given fields merged
// over the cached ones; new fields overwrite cached fields of the same key,
// all other cached fields persist.
func (c *Client) Retry(ctx context.Context, details Details) (Status, error) {
	merged := maps.Clone(c.cache)
	if merged == nil {
		merged = Details{}
	}
	maps.Copy(merged, details)
	return c.Login(ctx, merged)
}

type wgTokenResponse struct {
	Response struct {
		Token       string `json:"token"`
		TokenSecure string `json:"token_secure"`
	} `json:"response"`
}

// LoginWithToken re-authenticates without a password, exchanging a
// previously captured composite steamguard token and OAuth token for fresh
// web session cookies.
func (c *Client) LoginWithToken(ctx context.Context, steamguardToken, oauthToken string) (Status, error) {
	parts := strings.SplitN(steamguardToken, "||", 2)
	if len(parts) != 2 {
		return StatusFailed, fmt.Errorf("%w: bad steamguard token", ErrMalformedTokenResponse)
	}

	id, err := steamid.Parse(parts[0])
	if err != nil {
		return StatusFailed, fmt.Errorf("bad steam id in steamguard token: %w", err)
	}

	resp, err := c.session.PostForm(ctx, c.session.APIURL("IMobileAuthService", "GetWGToken", "1"),
		url.Values{"access_token": {oauthToken}})
	if err != nil {
		return StatusFailed, fmt.Errorf("token exchange request failed: %w", err)
	}

	var body wgTokenResponse
	if err := resp.JSON(&body); err != nil {
		return StatusFailed, fmt.Errorf("%w: %v", ErrMalformedTokenResponse, err)
	}
	if resp.StatusCode != http.StatusOK || body.Response.Token == "" || body.Response.TokenSecure == "" {
		c.log.Error().Int("status", resp.StatusCode).Msg("Token exchange returned no tokens")
		return StatusFailed, ErrMalformedTokenResponse
	}

	sid := id.String()
	c.session.SetCookie("steamLogin", sid+"||"+body.Response.Token)
	c.session.SetCookie("steamLoginSecure", sid+"||"+body.Response.TokenSecure)
	if parts[1] != "" {
		c.session.SetCookie("steamMachineAuth"+sid, parts[1])
	}

	nonce := c.session.Cookie("sessionid")
	if nonce == "" {
		nonce = community.GenerateSessionID()
		c.session.SetCookie("sessionid", nonce)
	}

	c.SteamID = id
	c.OAuthToken = oauthToken
	c.SteamGuardToken = steamguardToken
	c.SessionNonce = nonce

	c.log.Info().Str("steam_id", sid).Msg("Re-authenticated with stored tokens")
	return StatusSuccess, nil
}
