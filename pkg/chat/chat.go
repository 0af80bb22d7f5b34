// Package chat maintains a Steam web-chat connection: logon against the
// UMQ presence API, a long-poll loop with adaptive timeouts and automatic
// relogin, message sending and a friends/persona cache that emits diffed
// presence events.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go.shadowdrake.org/steamweb/pkg/auth"
	"go.shadowdrake.org/steamweb/pkg/community"
	"go.shadowdrake.org/steamweb/pkg/steamid"
)

// ErrNotLoggedOn is returned by send operations while chat is not in the
// logged-on state.
var ErrNotLoggedOn = errors.New("chat: not logged on")

// Config tunes the chat engine. The zero value gets sensible defaults.
type Config struct {
	// UIMode is reported to Steam at logon ("web" or "mobile").
	UIMode string `yaml:"ui_mode"`
	// PollInterval is the real-time delay between poll cycles. It is
	// independent of the sectimeout bounds below, which only bound the
	// server-side long-poll wait.
	PollInterval      time.Duration `yaml:"poll_interval"`
	LogonRetryDelay   time.Duration `yaml:"logon_retry_delay"`
	RefreshRetryDelay time.Duration `yaml:"refresh_retry_delay"`
	LogoffRetryDelay  time.Duration `yaml:"logoff_retry_delay"`
	// MinPollTimeout/MaxPollTimeout bound the adaptive sectimeout sent to
	// the server; PollTimeoutStep is the adjustment applied on "Timeout"
	// responses and after a first poll failure.
	MinPollTimeout  int `yaml:"min_poll_timeout"`
	MaxPollTimeout  int `yaml:"max_poll_timeout"`
	PollTimeoutStep int `yaml:"poll_timeout_step"`
	// MaxPollFailures is the consecutive-failure count at which the engine
	// abandons polling and relogs.
	MaxPollFailures int `yaml:"max_poll_failures"`
}

func (c *Config) applyDefaults() {
	if c.UIMode == "" {
		c.UIMode = "web"
	}
	if c.PollInterval == 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LogonRetryDelay == 0 {
		c.LogonRetryDelay = 5 * time.Second
	}
	if c.RefreshRetryDelay == 0 {
		c.RefreshRetryDelay = 2 * time.Second
	}
	if c.LogoffRetryDelay == 0 {
		c.LogoffRetryDelay = time.Second
	}
	if c.MinPollTimeout == 0 {
		c.MinPollTimeout = 20
	}
	if c.MaxPollTimeout == 0 {
		c.MaxPollTimeout = 120
	}
	if c.PollTimeoutStep == 0 {
		c.PollTimeoutStep = 5
	}
	if c.MaxPollFailures == 0 {
		c.MaxPollFailures = 3
	}
}

// chatSession is the per-connection state handed out by the Logon
// endpoint and mutated by every poll cycle.
type chatSession struct {
	accessToken   string
	umqID         string
	messageCursor int64
	pollID        int64
	secTimeout    int
	uiMode        string
}

// Client is the chat engine. All mutation happens on the engine's own
// scheduled continuations; the mutex makes that safe when the runtime
// spreads those continuations across goroutines.
type Client struct {
	session  *community.Session
	auth     *auth.Client
	cfg      Config
	log      zerolog.Logger
	handlers Handlers
	sched    Scheduler

	mu sync.Mutex
	// ctx is the lifetime context captured at Logon and reused by every
	// scheduled continuation.
	ctx          context.Context
	state        State
	chat         chatSession
	friends      map[string]Persona
	ownPersona   Persona
	groups       []FriendGroup
	pollFailures int
	reconnecting bool
	forcedLogoff bool
}

// NewClient builds a chat engine on top of an authenticated session.
func NewClient(session *community.Session, authClient *auth.Client, cfg Config, handlers Handlers, log zerolog.Logger) *Client {
	cfg.applyDefaults()
	c := &Client{
		session:  session,
		auth:     authClient,
		cfg:      cfg,
		log:      log.With().Str("component", "chat").Logger(),
		handlers: handlers,
		sched:    timerScheduler{},
		ctx:      context.Background(),
		friends:  make(map[string]Persona),
	}
	session.OnSessionExpired(handlers.sessionExpired)
	return c
}

// State returns the current chat connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// lifetimeCtx returns the context captured at the most recent Logon.
// Scheduled continuations run on timer goroutines, so the field is only
// touched under the mutex.
func (c *Client) lifetimeCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

var webAPITokenPattern = regexp.MustCompile(`"([0-9a-f]{32})" \);`)

// webAPIToken fetches the chat landing page and extracts the chat-scoped
// OAuth token embedded in it. The page body is returned as well so the
// initial friends payload can be bulk-loaded from the same fetch.
func (c *Client) webAPIToken(ctx context.Context) (string, []byte, error) {
	resp, err := c.session.Get(ctx, c.session.CommunityURL("chat", ""), nil)
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
		(resp.StatusCode >= 300 && resp.StatusCode <= 399) {
		return "", nil, fmt.Errorf("not authorized (status %d)", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("chat page returned status %d", resp.StatusCode)
	}

	m := webAPITokenPattern.FindSubmatch(resp.Body)
	if m == nil {
		return "", nil, errors.New("malformed chat page: no token")
	}
	return string(m[1]), resp.Body, nil
}

type logonResponse struct {
	Error   string `json:"error"`
	UmqID   string `json:"umqid"`
	Message int64  `json:"message"`
}

// Logon logs into web chat and starts the poll loop. It is idempotent
// while logging on or logged on. An empty uiMode uses the configured
// default. The context bounds the whole chat session, not just this call.
func (c *Client) Logon(ctx context.Context, uiMode string) State {
	if uiMode == "" {
		uiMode = c.cfg.UIMode
	}

	c.mu.Lock()
	if c.state == StateLoggingOn || c.state == StateLoggedOn {
		state := c.state
		c.mu.Unlock()
		return state
	}
	c.state = StateLoggingOn
	c.forcedLogoff = false
	c.chat.uiMode = uiMode
	c.ctx = ctx
	c.mu.Unlock()

	c.log.Info().Str("ui_mode", uiMode).Msg("Requesting chat WebAPI token")

	token, page, err := c.webAPIToken(ctx)
	if err != nil {
		// An explicit authorization failure will not fix itself with a
		// retry; anything else is treated as transient.
		fatal := strings.Contains(err.Error(), "not authorized")
		c.mu.Lock()
		if fatal {
			c.state = StateOffline
		} else {
			c.state = StateLogOnFailed
		}
		state := c.state
		c.mu.Unlock()

		if !fatal {
			c.sched.After(c.cfg.LogonRetryDelay, func() { c.Logon(ctx, uiMode) })
		}
		c.log.Error().Err(err).Bool("fatal", fatal).Msg("Cannot get chat token")
		c.handlers.logOnFailed(err)
		return state
	}

	c.bulkLoad(page)

	resp, err := c.session.PostForm(ctx, c.session.APIURL("ISteamWebUserPresenceOAuth", "Logon", "1"),
		url.Values{"ui_mode": {uiMode}, "access_token": {token}})
	var result logonResponse
	switch {
	case err != nil:
	case resp.StatusCode != http.StatusOK:
		err = fmt.Errorf("chat logon returned status %d", resp.StatusCode)
	default:
		if decodeErr := resp.JSON(&result); decodeErr != nil {
			err = fmt.Errorf("failed to decode chat logon response: %w", decodeErr)
		} else if result.Error != "OK" {
			err = fmt.Errorf("chat logon error: %s", result.Error)
		}
	}
	if err != nil {
		c.mu.Lock()
		c.state = StateLogOnFailed
		c.mu.Unlock()
		c.log.Error().Err(err).Msg("Error logging into web chat")
		c.sched.After(c.cfg.LogonRetryDelay, func() { c.Logon(ctx, uiMode) })
		c.handlers.logOnFailed(err)
		return StateLogOnFailed
	}

	c.mu.Lock()
	c.chat.accessToken = token
	c.chat.umqID = result.UmqID
	c.chat.messageCursor = result.Message
	c.chat.pollID = 0
	c.chat.secTimeout = c.cfg.MinPollTimeout
	c.pollFailures = 0
	c.state = StateLoggedOn
	c.mu.Unlock()

	c.log.Info().Str("umqid", result.UmqID).Msg("Chat logged on")
	c.handlers.loggedOn()
	c.schedulePoll(0)
	return StateLoggedOn
}

// SendMessage sends a chat message. The recipient may be a
// steamid.SteamID or any textual/numeric form accepted by steamid.Coerce.
func (c *Client) SendMessage(ctx context.Context, recipient any, text string) error {
	return c.send(ctx, recipient, text, "saytext")
}

// SendTyping sends a typing indicator to the recipient.
func (c *Client) SendTyping(ctx context.Context, recipient any) error {
	return c.send(ctx, recipient, "", "typing")
}

func (c *Client) send(ctx context.Context, recipient any, text, messageType string) error {
	id, err := steamid.Coerce(recipient)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state != StateLoggedOn {
		c.mu.Unlock()
		return ErrNotLoggedOn
	}
	form := url.Values{
		"access_token": {c.chat.accessToken},
		"steamid_dst":  {id.String()},
		"text":         {text},
		"type":         {messageType},
		"umqid":        {c.chat.umqID},
	}
	c.mu.Unlock()

	_, err = c.session.PostForm(ctx, c.session.APIURL("ISteamWebUserPresenceOAuth", "Message", "1"), form)
	return err
}

// Logoff tears the chat session down. A failed logoff request is retried;
// once it succeeds all chat state resets to defaults and auto-reconnect is
// suppressed until the next Logon.
func (c *Client) Logoff(ctx context.Context) {
	c.mu.Lock()
	form := url.Values{
		"access_token": {c.chat.accessToken},
		"umqid":        {c.chat.umqID},
	}
	c.mu.Unlock()

	resp, err := c.session.PostForm(ctx, c.session.APIURL("ISteamWebUserPresenceOAuth", "Logoff", "1"), form)
	if err != nil || resp.StatusCode != http.StatusOK {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		c.log.Error().Err(err).Int("status", status).Msg("Error logging off of chat, retrying")
		c.sched.After(c.cfg.LogoffRetryDelay, func() { c.Logoff(ctx) })
		return
	}

	c.mu.Lock()
	c.chat = chatSession{}
	c.friends = make(map[string]Persona)
	c.ownPersona = Persona{}
	c.groups = nil
	c.pollFailures = 0
	c.state = StateOffline
	c.forcedLogoff = true
	c.mu.Unlock()

	c.log.Info().Msg("Chat logged off")
	c.handlers.loggedOff()
}

// relogin runs a full chat logon after the session was lost. Only one
// reconnect runs at a time, and a deliberate logoff suppresses it.
func (c *Client) relogin() {
	c.mu.Lock()
	if c.reconnecting || c.forcedLogoff {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	uiMode := c.chat.uiMode
	ctx := c.ctx
	c.state = StateOffline
	c.mu.Unlock()

	c.log.Warn().Msg("Chat session lost, logging on again")
	c.Logon(ctx, uiMode)

	c.mu.Lock()
	c.reconnecting = false
	c.mu.Unlock()
}
