package chat

import "fmt"

// State is the chat connection state. LoggedOn is the only state from
// which polling and sends are valid; LogOnFailed is non-terminal and
// triggers a retry.
type State int

const (
	StateOffline State = iota
	StateLoggingOn
	StateLogOnFailed
	StateLoggedOn
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateLoggingOn:
		return "logging_on"
	case StateLogOnFailed:
		return "logon_failed"
	case StateLoggedOn:
		return "logged_on"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// PersonaState is a friend's online state.
type PersonaState int

const (
	PersonaOffline PersonaState = iota
	PersonaOnline
	PersonaBusy
	PersonaAway
	PersonaSnooze
	PersonaLookingToTrade
	PersonaLookingToPlay
	PersonaMax
)

func (s PersonaState) String() string {
	switch s {
	case PersonaOffline:
		return "offline"
	case PersonaOnline:
		return "online"
	case PersonaBusy:
		return "busy"
	case PersonaAway:
		return "away"
	case PersonaSnooze:
		return "snooze"
	case PersonaLookingToTrade:
		return "looking_to_trade"
	case PersonaLookingToPlay:
		return "looking_to_play"
	default:
		return fmt.Sprintf("persona_state(%d)", int(s))
	}
}

// PersonaStateFlag is a bitmask qualifying a persona state.
type PersonaStateFlag int

const (
	FlagHasRichPresence PersonaStateFlag = 1 << iota
	FlagInJoinableGame

	FlagOnlineUsingWeb        PersonaStateFlag = 256
	FlagOnlineUsingMobile     PersonaStateFlag = 512
	FlagOnlineUsingBigPicture PersonaStateFlag = 1024
)
