package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
)

// LoggedInState is the outcome of probing whether the web session is
// still signed in.
type LoggedInState int

const (
	LoggedInError LoggedInState = iota
	LoggedInYes
	LoggedInFamilyView
)

var profileRedirectPattern = regexp.MustCompile(`steamcommunity\.com(/(id|profiles)/[^/]+)/?`)

// LoggedIn probes the community "my profile" redirect to determine whether
// the session is signed in. A 403 means the account is locked behind
// Family View and needs ParentalUnlock.
func (c *Client) LoggedIn(ctx context.Context) (LoggedInState, error) {
	resp, err := c.session.Get(ctx, c.session.CommunityURL("my", ""), nil)
	if err != nil {
		return LoggedInError, err
	}

	if resp.StatusCode == http.StatusForbidden {
		return LoggedInFamilyView, nil
	}
	if resp.StatusCode != http.StatusFound {
		return LoggedInError, fmt.Errorf("unexpected status %d probing login state", resp.StatusCode)
	}
	if profileRedirectPattern.MatchString(resp.Header.Get("Location")) {
		return LoggedInYes, nil
	}
	return LoggedInError, nil
}

// ParentalUnlock lifts a Family View lock with the account PIN.
func (c *Client) ParentalUnlock(ctx context.Context, pin string) (bool, error) {
	resp, err := c.session.PostForm(ctx, c.session.CommunityURL("parental", "ajaxunlock"),
		url.Values{"pin": {pin}})
	if err != nil {
		return false, err
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("parental unlock returned status %d", resp.StatusCode)
	}

	var body struct {
		Success bool `json:"success"`
	}
	if err := resp.JSON(&body); err != nil {
		return false, fmt.Errorf("failed to decode parental unlock response: %w", err)
	}
	if !body.Success {
		c.log.Error().Msg("Parental unlock rejected: incorrect PIN")
	}
	return body.Success, nil
}
