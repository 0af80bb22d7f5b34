package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.mau.fi/util/jsontime"

	"go.shadowdrake.org/steamweb/pkg/steamid"
)

// HistoryMessage is one line of a persisted one-on-one chat log.
type HistoryMessage struct {
	SteamID   steamid.SteamID
	Timestamp jsontime.Unix
	Message   string
}

type chatLogEntry struct {
	AccountID uint32 `json:"m_unAccountID"`
	Timestamp int64  `json:"m_tsTimestamp"`
	Message   string `json:"m_strMessage"`
}

// History fetches the stored chat log with one conversation partner. It
// needs an authenticated community session but not a logged-on chat
// connection.
func (c *Client) History(ctx context.Context, partner any) ([]HistoryMessage, error) {
	id, err := steamid.Coerce(partner)
	if err != nil {
		return nil, err
	}

	endpoint := c.session.CommunityURL("chat", "chatlog") + strconv.FormatUint(uint64(id.AccountID), 10)
	resp, err := c.session.PostForm(ctx, endpoint, url.Values{"sessionid": {c.auth.SessionNonce}})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat log fetch returned status %d", resp.StatusCode)
	}

	var entries []chatLogEntry
	if err := resp.JSON(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode chat log: %w", err)
	}

	messages := make([]HistoryMessage, len(entries))
	for i, entry := range entries {
		messages[i] = HistoryMessage{
			SteamID:   steamid.FromAccountID(entry.AccountID),
			Timestamp: jsontime.Unix{Time: time.Unix(entry.Timestamp, 0)},
			Message:   entry.Message,
		}
	}
	return messages, nil
}

// Friend is one entry of the OAuth friend list, relationship included.
type Friend struct {
	SteamID      steamid.SteamID
	Relationship string
	FriendSince  jsontime.Unix
}

type friendListResponse struct {
	Friends []struct {
		SteamID      string        `json:"steamid"`
		Relationship string        `json:"relationship"`
		FriendSince  jsontime.Unix `json:"friend_since"`
	} `json:"friends"`
}

// FriendList fetches the friend list from the OAuth API. Unlike the
// persona cache this includes pending and blocked relationships.
func (c *Client) FriendList(ctx context.Context) ([]Friend, error) {
	resp, err := c.session.Get(ctx, c.session.APIURL("ISteamUserOAuth", "GetFriendList", "0001"), url.Values{
		"access_token": {c.auth.OAuthToken},
		"steamid":      {c.auth.SteamID.String()},
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("friend list fetch returned status %d", resp.StatusCode)
	}

	var body friendListResponse
	if err := resp.JSON(&body); err != nil {
		return nil, fmt.Errorf("failed to decode friend list: %w", err)
	}

	friends := make([]Friend, len(body.Friends))
	for i, f := range body.Friends {
		id, err := steamid.Parse(f.SteamID)
		if err != nil {
			return nil, fmt.Errorf("friend list contains invalid steamid %q: %w", f.SteamID, err)
		}
		friends[i] = Friend{SteamID: id, Relationship: f.Relationship, FriendSince: f.FriendSince}
	}
	return friends, nil
}
