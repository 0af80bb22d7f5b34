package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.shadowdrake.org/steamweb/pkg/steamid"
)

type pollMessage struct {
	Type          string `json:"type"`
	AccountIDFrom uint32 `json:"accountid_from"`
	Text          string `json:"text"`
}

type pollResponse struct {
	// PollID is a pointer so a response that carries no poll id at all
	// (error pages, truncated bodies) is distinguishable from poll id 0.
	PollID      *int64          `json:"pollid"`
	Error       string          `json:"error"`
	Message     json.RawMessage `json:"message"`
	MessageLast int64           `json:"messagelast"`
	SecTimeout  int             `json:"sectimeout"`
	Messages    []pollMessage   `json:"messages"`
}

// messageText returns the message field when the server abuses it to
// carry an error string instead of a cursor.
func (r *pollResponse) messageText() string {
	var text string
	if json.Unmarshal(r.Message, &text) == nil {
		return text
	}
	return ""
}

func (c *Client) schedulePoll(delay time.Duration) {
	c.sched.After(delay, c.pollOnce)
}

// pollOnce runs one long-poll cycle and re-arms itself. Every exit path
// either schedules the next cycle, hands off to the failure path, or
// hands off to relogin.
func (c *Client) pollOnce() {
	c.mu.Lock()
	if c.state == StateOffline || c.chat.umqID == "" {
		c.mu.Unlock()
		c.pollFailed()
		return
	}
	c.chat.pollID++
	pollID := c.chat.pollID
	secTimeout := c.chat.secTimeout
	lifetime := c.ctx
	form := url.Values{
		"umqid":          {c.chat.umqID},
		"message":        {strconv.FormatInt(c.chat.messageCursor, 10)},
		"pollid":         {strconv.FormatInt(pollID, 10)},
		"sectimeout":     {strconv.Itoa(secTimeout)},
		"secidletime":    {"0"},
		"use_accountids": {"1"},
		"access_token":   {c.chat.accessToken},
	}
	c.mu.Unlock()

	// The server holds the request open for up to secTimeout seconds, so
	// the network deadline has to sit past it.
	ctx, cancel := context.WithTimeout(lifetime, time.Duration(secTimeout+5)*time.Second)
	resp, err := c.session.PostForm(ctx, c.session.APIURL("ISteamWebUserPresenceOAuth", "Poll", "1"), form)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Msg("Chat poll request failed")
		c.pollFailed()
		return
	}

	var body pollResponse
	if decodeErr := resp.JSON(&body); decodeErr != nil {
		// An unparseable body carries no trustworthy cursor; treating it
		// as success would rewind the cursor and replay the backlog.
		c.log.Warn().Err(decodeErr).Int("status", resp.StatusCode).Msg("Malformed chat poll response")
		c.pollFailed()
		return
	}

	if body.PollID != nil && *body.PollID != pollID {
		// Stale answer to an earlier poll, usually after a timeout raced
		// with a late server response. Drop it but keep the loop armed.
		c.log.Warn().Int64("sent", pollID).Int64("received", *body.PollID).
			Msg("Discarding poll response with mismatched poll id")
		c.schedulePoll(c.cfg.PollInterval)
		return
	}

	if body.messageText() == "Not Logged On" {
		c.log.Warn().Msg("Chat poll rejected: not logged on")
		c.relogin()
		return
	}

	switch body.Error {
	case "Timeout":
		// Not a failure, just the long poll expiring, regardless of the
		// HTTP status it rode in on. The server often suggests the
		// sectimeout it would rather see.
		c.adaptTimeout(body.SecTimeout)
	case "OK", "":
		if resp.StatusCode != http.StatusOK {
			c.log.Warn().Int("status", resp.StatusCode).Msg("Chat poll HTTP error")
			c.pollFailed()
			return
		}
	default:
		c.log.Warn().Str("error", body.Error).Msg("Chat poll error")
		c.pollFailed()
		return
	}

	c.mu.Lock()
	c.chat.messageCursor = body.MessageLast
	c.pollFailures = 0
	c.mu.Unlock()

	for _, msg := range body.Messages {
		c.routeMessage(msg)
	}

	c.schedulePoll(c.cfg.PollInterval)
}

// adaptTimeout grows the long-poll sectimeout after a server-side
// "Timeout" response, preferring the server's suggestion when it is
// larger than the current value.
func (c *Client) adaptTimeout(suggested int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.chat.secTimeout
	if suggested > next {
		next = suggested
	} else {
		next += c.cfg.PollTimeoutStep
	}
	if next > c.cfg.MaxPollTimeout {
		next = c.cfg.MaxPollTimeout
	}
	c.chat.secTimeout = next
	c.log.Debug().Int("sectimeout", next).Msg("Adapted poll timeout")
}

// pollFailed counts consecutive failures. The first failure also walks
// the sectimeout back down, in case the adaptive timeout overshot what
// the infrastructure between us and Steam tolerates. Once the failure
// budget is spent the engine abandons polling and relogs.
func (c *Client) pollFailed() {
	c.mu.Lock()
	c.pollFailures++
	failures := c.pollFailures
	if failures == 1 {
		c.chat.secTimeout -= c.cfg.PollTimeoutStep
		if c.chat.secTimeout < c.cfg.MinPollTimeout {
			c.chat.secTimeout = c.cfg.MinPollTimeout
		}
	}
	c.mu.Unlock()

	if failures < c.cfg.MaxPollFailures {
		c.schedulePoll(c.cfg.PollInterval)
		return
	}
	c.log.Error().Int("failures", failures).Msg("Too many consecutive poll failures, logging on again")
	c.relogin()
}

// routeMessage dispatches one poll event to the registered handlers.
func (c *Client) routeMessage(msg pollMessage) {
	sender := steamid.FromAccountID(msg.AccountIDFrom)
	switch msg.Type {
	case "personastate":
		c.refreshPersona(sender)
	case "saytext":
		c.handlers.message(sender, msg.Text, false)
	case "my_saytext":
		// Echo of a message we sent from another session; the account id
		// names the conversation partner, not us.
		c.handlers.message(sender, msg.Text, true)
	case "typing":
		c.handlers.typing(sender)
	default:
		c.log.Warn().Str("type", msg.Type).Msg("Unhandled chat message type")
	}
}
