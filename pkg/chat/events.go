package chat

import "go.shadowdrake.org/steamweb/pkg/steamid"

// Handlers is the event surface of the chat engine. All callbacks are
// optional; dispatch is synchronous and runs on the engine's own flow of
// control, so handlers must not block.
type Handlers struct {
	// LoggedOn fires once chat logon completes and polling starts.
	LoggedOn func()
	// LoggedOff fires after a deliberate logoff completes.
	LoggedOff func()
	// LogOnFailed fires when a logon attempt fails; a retry may already be
	// scheduled depending on the failure.
	LogOnFailed func(err error)
	// Message fires for incoming chat messages. ownEcho marks an echo of a
	// message sent from another of the account's own sessions; in that
	// case sender is actually the recipient.
	Message func(sender steamid.SteamID, text string, ownEcho bool)
	// Typing fires when a friend starts typing.
	Typing func(sender steamid.SteamID)
	// PersonaState fires with the refreshed and previous persona records
	// whenever a friend's presence changes. previous is the zero Persona
	// for friends not seen before.
	PersonaState func(id steamid.SteamID, current, previous Persona)
	// Initial fires once per logon with the bulk-loaded friends map, own
	// persona and friend groupings.
	Initial func(friends map[string]Persona, own Persona, groups []FriendGroup)
	// SessionExpired fires when the underlying web session is rejected.
	SessionExpired func()
}

func (h Handlers) loggedOn() {
	if h.LoggedOn != nil {
		h.LoggedOn()
	}
}

func (h Handlers) loggedOff() {
	if h.LoggedOff != nil {
		h.LoggedOff()
	}
}

func (h Handlers) logOnFailed(err error) {
	if h.LogOnFailed != nil {
		h.LogOnFailed(err)
	}
}

func (h Handlers) message(sender steamid.SteamID, text string, ownEcho bool) {
	if h.Message != nil {
		h.Message(sender, text, ownEcho)
	}
}

func (h Handlers) typing(sender steamid.SteamID) {
	if h.Typing != nil {
		h.Typing(sender)
	}
}

func (h Handlers) personaState(id steamid.SteamID, current, previous Persona) {
	if h.PersonaState != nil {
		h.PersonaState(id, current, previous)
	}
}

func (h Handlers) initial(friends map[string]Persona, own Persona, groups []FriendGroup) {
	if h.Initial != nil {
		h.Initial(friends, own, groups)
	}
}

func (h Handlers) sessionExpired() {
	if h.SessionExpired != nil {
		h.SessionExpired()
	}
}
