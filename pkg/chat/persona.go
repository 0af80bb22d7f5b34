package chat

import (
	"encoding/json"
	"errors"
	"maps"
	"net/http"
	"reflect"
	"regexp"
	"strconv"

	"go.mau.fi/util/ptr"

	"go.shadowdrake.org/steamweb/pkg/steamid"
)

// Persona is the cached presence record for one account.
type Persona struct {
	SteamID     steamid.SteamID
	Name        string
	Nickname    string
	State       PersonaState
	StateFlags  PersonaStateFlag
	AvatarHash  string
	InGame      bool
	InGameAppID uint32
	InGameName  string
}

// fields flattens the mutable parts of a persona for diffing.
func (p Persona) fields() map[string]any {
	return map[string]any{
		"personaName":       p.Name,
		"nickname":          p.Nickname,
		"personaState":      p.State,
		"personaStateFlags": p.StateFlags,
		"avatarHash":        p.AvatarHash,
		"inGame":            p.InGame,
		"inGameAppID":       p.InGameAppID,
		"inGameName":        p.InGameName,
	}
}

// FriendGroup is a user-defined friend category from the chat page.
type FriendGroup struct {
	Name    string
	Members []steamid.SteamID
}

// personaPayload is the persona JSON shape Steam embeds in the chat page
// and serves from the friendstate endpoint. Most fields are optional and
// simply absent when they do not apply.
type personaPayload struct {
	SteamID     json.Number `json:"m_ulSteamID"`
	Name        string      `json:"m_strName"`
	State       int         `json:"m_ePersonaState"`
	StateFlags  *int        `json:"m_nPersonaStateFlags"`
	AvatarHash  string      `json:"m_strAvatarHash"`
	InGame      *bool       `json:"m_bInGame"`
	InGameAppID *uint32     `json:"m_nInGameAppID"`
	InGameName  *string     `json:"m_strInGameName"`
	Nickname    *string     `json:"m_strNickname"`
}

func (p *personaPayload) toPersona() Persona {
	id, err := steamid.Parse(p.SteamID.String())
	if err != nil {
		id = steamid.SteamID{}
	}
	return Persona{
		SteamID:     id,
		Name:        p.Name,
		Nickname:    ptr.Val(p.Nickname),
		State:       PersonaState(p.State),
		StateFlags:  PersonaStateFlag(ptr.Val(p.StateFlags)),
		AvatarHash:  p.AvatarHash,
		InGame:      ptr.Val(p.InGame),
		InGameAppID: ptr.Val(p.InGameAppID),
		InGameName:  ptr.Val(p.InGameName),
	}
}

type friendGroupPayload struct {
	Name    string   `json:"name"`
	Members []uint32 `json:"members"`
}

// The chat page calls into its WebAPI bootstrap with the logged-on user's
// persona, the full friend list and the friend groups as inline JSON.
var initialPayloadPattern = regexp.MustCompile(`WebAPI, (\{.*\}), (\[.*\]), (\[.*\]) \);`)

// parseInitialPayload extracts own persona, friends and groups from the
// chat page HTML.
func parseInitialPayload(page []byte) (Persona, []Persona, []FriendGroup, error) {
	m := initialPayloadPattern.FindSubmatch(page)
	if m == nil {
		return Persona{}, nil, nil, errors.New("chat page has no initial friends payload")
	}

	var ownPayload personaPayload
	if err := json.Unmarshal(m[1], &ownPayload); err != nil {
		return Persona{}, nil, nil, err
	}
	var friendPayloads []personaPayload
	if err := json.Unmarshal(m[2], &friendPayloads); err != nil {
		return Persona{}, nil, nil, err
	}
	var groupPayloads []friendGroupPayload
	if err := json.Unmarshal(m[3], &groupPayloads); err != nil {
		return Persona{}, nil, nil, err
	}

	friends := make([]Persona, len(friendPayloads))
	for i := range friendPayloads {
		friends[i] = friendPayloads[i].toPersona()
	}
	groups := make([]FriendGroup, len(groupPayloads))
	for i, g := range groupPayloads {
		members := make([]steamid.SteamID, len(g.Members))
		for j, accountID := range g.Members {
			members[j] = steamid.FromAccountID(accountID)
		}
		groups[i] = FriendGroup{Name: g.Name, Members: members}
	}
	return ownPayload.toPersona(), friends, groups, nil
}

// bulkLoad seeds the persona cache from the chat page and emits the
// initial-friends event. A page without the payload is tolerated; the
// cache then fills in lazily from personastate events.
func (c *Client) bulkLoad(page []byte) {
	own, friends, groups, err := parseInitialPayload(page)
	if err != nil {
		c.log.Warn().Err(err).Msg("Chat page had no initial persona payload")
		return
	}

	byID := make(map[string]Persona, len(friends))
	for _, p := range friends {
		byID[p.SteamID.String()] = p
	}

	c.mu.Lock()
	c.friends = byID
	c.ownPersona = own
	c.groups = groups
	c.mu.Unlock()

	c.log.Debug().Int("friends", len(byID)).Int("groups", len(groups)).Msg("Loaded initial friend state")
	c.handlers.initial(maps.Clone(byID), own, groups)
}

// refreshPersona re-fetches one friend's state after a personastate poll
// event and emits a diffed update. Nicknames only appear in the bulk
// payload, so the cached nickname survives refreshes.
func (c *Client) refreshPersona(id steamid.SteamID) {
	endpoint := c.session.CommunityURL("chat", "friendstate") + strconv.FormatUint(uint64(id.AccountID), 10)
	resp, err := c.session.Get(c.lifetimeCtx(), endpoint, nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		if err == nil && resp.StatusCode == http.StatusUnauthorized {
			c.log.Warn().Msg("Friend state fetch rejected, logging on again")
			c.relogin()
			return
		}
		status := 0
		if err == nil {
			status = resp.StatusCode
		}
		c.log.Warn().Err(err).Int("status", status).Stringer("steam_id", id).
			Msg("Error fetching friend state, retrying")
		c.sched.After(c.cfg.RefreshRetryDelay, func() { c.refreshPersona(id) })
		return
	}

	var payload personaPayload
	if err := resp.JSON(&payload); err != nil {
		c.log.Warn().Err(err).Stringer("steam_id", id).Msg("Malformed friend state response")
		return
	}

	persona := payload.toPersona()
	if persona.SteamID.AccountID == 0 {
		persona.SteamID = id
	}
	key := persona.SteamID.String()

	c.mu.Lock()
	previous := c.friends[key]
	persona.Nickname = previous.Nickname
	c.mu.Unlock()

	if changed := DictDiff(persona.fields(), previous.fields()); len(changed) > 0 {
		c.log.Debug().Stringer("steam_id", persona.SteamID).Interface("changed", changed).
			Msg("Friend state changed")
	}
	c.handlers.personaState(persona.SteamID, persona, previous)

	c.mu.Lock()
	c.friends[key] = persona
	c.mu.Unlock()
}

// DictDiff returns the entries of next whose values differ from, or are
// absent in, prev. Keys present only in prev are not reported. Values are
// compared with reflect.DeepEqual so uncomparable types are safe.
func DictDiff(next, prev map[string]any) map[string]any {
	diff := make(map[string]any)
	for key, value := range next {
		if old, ok := prev[key]; !ok || !reflect.DeepEqual(old, value) {
			diff[key] = value
		}
	}
	return diff
}

// Friends returns a snapshot of the persona cache keyed by decimal
// 64-bit SteamID.
func (c *Client) Friends() map[string]Persona {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.friends)
}

// OwnPersona returns the logged-on user's own persona record.
func (c *Client) OwnPersona() Persona {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownPersona
}

// Groups returns the friend groups loaded from the chat page.
func (c *Client) Groups() []FriendGroup {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups
}
