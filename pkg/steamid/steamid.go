// Package steamid implements parsing and rendering of Steam's compound
// account identifier in its three textual forms (Steam2, Steam3 and plain
// 64-bit decimal).
package steamid

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// Universe identifies which Steam universe an ID belongs to. Almost
// everything lives in UniversePublic.
type Universe uint8

const (
	UniverseInvalid Universe = iota
	UniversePublic
	UniverseBeta
	UniverseInternal
	UniverseDev
)

// AccountType identifies the kind of account an ID refers to.
type AccountType uint8

const (
	TypeInvalid AccountType = iota
	TypeIndividual
	TypeMultiseat
	TypeGameServer
	TypeAnonGameServer
	TypePending
	TypeContentServer
	TypeClan
	TypeChat
	TypeP2PSuperSeeder
	TypeAnonUser
)

// Instance is the 20-bit instance field. For chat IDs the high bits carry
// flags identifying the chat sub-kind.
type Instance uint32

const (
	InstanceAll     Instance = 0
	InstanceDesktop Instance = 1
	InstanceConsole Instance = 2
	InstanceWeb     Instance = 4
)

// AccountInstanceMask covers the full 20-bit instance field.
const AccountInstanceMask = 0xFFFFF

// Chat instance flag bits, packed into the top of the instance field.
const (
	InstanceFlagClan     Instance = (AccountInstanceMask + 1) >> 1
	InstanceFlagLobby    Instance = (AccountInstanceMask + 1) >> 2
	InstanceFlagMMSLobby Instance = (AccountInstanceMask + 1) >> 3
)

var (
	// ErrInvalidFormat is returned by Parse for input that matches none of
	// the three textual ID formats.
	ErrInvalidFormat = errors.New("steamid: input is not a valid steam id format")
	// ErrUnsupportedType is returned when rendering an ID in a format that
	// cannot represent its account type.
	ErrUnsupportedType = errors.New("steamid: account type has no rendering in this format")
)

// SteamID is a decomposed Steam identifier. The zero value is the invalid
// ID; construction never fails by itself, use IsValid to check the
// advisory validity rules.
type SteamID struct {
	Universe  Universe
	Type      AccountType
	Instance  Instance
	AccountID uint32
}

var typeChars = map[AccountType]byte{
	TypeInvalid:        'I',
	TypeIndividual:     'U',
	TypeMultiseat:      'M',
	TypeGameServer:     'G',
	TypeAnonGameServer: 'A',
	TypePending:        'P',
	TypeContentServer:  'C',
	TypeClan:           'g',
	TypeChat:           'T',
	TypeAnonUser:       'a',
}

func typeFromChar(c byte) AccountType {
	for t, tc := range typeChars {
		if tc == c {
			return t
		}
	}
	return TypeInvalid
}

var (
	steam2Pattern = regexp.MustCompile(`^STEAM_([0-5]):([01]):([0-9]+)$`)
	steam3Pattern = regexp.MustCompile(`^\[([a-zA-Z]):([0-5]):([0-9]+)(:[0-9]+)?\]$`)
	digitsPattern = regexp.MustCompile(`^[0-9]+$`)
)

// Parse decodes a Steam ID from any of its three textual forms: the legacy
// Steam2 form ("STEAM_0:0:23071901"), the Steam3 bracket form
// ("[U:1:46143802]") or a plain decimal 64-bit encoding.
func Parse(text string) (SteamID, error) {
	if m := steam2Pattern.FindStringSubmatch(text); m != nil {
		universe, _ := strconv.Atoi(m[1])
		authServer, _ := strconv.ParseUint(m[2], 10, 32)
		accountNumber, _ := strconv.ParseUint(m[3], 10, 32)
		if universe == 0 {
			universe = int(UniversePublic)
		}
		return SteamID{
			Universe:  Universe(universe),
			Type:      TypeIndividual,
			Instance:  InstanceDesktop,
			AccountID: uint32(accountNumber*2 + authServer),
		}, nil
	}

	if m := steam3Pattern.FindStringSubmatch(text); m != nil {
		var id SteamID
		universe, _ := strconv.Atoi(m[2])
		accountID, _ := strconv.ParseUint(m[3], 10, 32)
		id.Universe = Universe(universe)
		id.AccountID = uint32(accountID)

		typeChar := m[1][0]
		if m[4] != "" {
			instance, _ := strconv.ParseUint(m[4][1:], 10, 32)
			id.Instance = Instance(instance)
		} else if typeChar == 'U' {
			id.Instance = InstanceDesktop
		}

		switch typeChar {
		case 'c':
			id.Instance |= InstanceFlagClan
			id.Type = TypeChat
		case 'L':
			id.Instance |= InstanceFlagLobby
			id.Type = TypeChat
		default:
			id.Type = typeFromChar(typeChar)
		}
		return id, nil
	}

	if digitsPattern.MatchString(text) {
		packed, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return SteamID{}, fmt.Errorf("%w: %q", ErrInvalidFormat, text)
		}
		return FromUint64(packed), nil
	}

	return SteamID{}, fmt.Errorf("%w: %q", ErrInvalidFormat, text)
}

// FromUint64 unpacks the 64-bit encoding
// (universe<<56 | type<<52 | instance<<32 | accountid).
func FromUint64(packed uint64) SteamID {
	return SteamID{
		Universe:  Universe(packed >> 56),
		Type:      AccountType((packed >> 52) & 0xF),
		Instance:  Instance((packed >> 32) & AccountInstanceMask),
		AccountID: uint32(packed),
	}
}

// FromAccountID builds the ID of an individual desktop account in the
// public universe from its bare 32-bit account ID.
func FromAccountID(accountID uint32) SteamID {
	return SteamID{
		Universe:  UniversePublic,
		Type:      TypeIndividual,
		Instance:  InstanceDesktop,
		AccountID: accountID,
	}
}

// FromAccountIDString is the permissive form of FromAccountID: non-numeric
// or negative input yields account ID 0 rather than an error.
func FromAccountIDString(accountID string) SteamID {
	n, err := strconv.ParseUint(accountID, 10, 32)
	if err != nil {
		n = 0
	}
	return FromAccountID(uint32(n))
}

// Coerce converts any of the identifier representations accepted at public
// entry points into a SteamID.
func Coerce(v any) (SteamID, error) {
	switch id := v.(type) {
	case SteamID:
		return id, nil
	case *SteamID:
		return *id, nil
	case string:
		return Parse(id)
	case uint64:
		return FromUint64(id), nil
	case uint32:
		return FromAccountID(id), nil
	case int:
		if id < 0 {
			return SteamID{}, fmt.Errorf("%w: negative id %d", ErrInvalidFormat, id)
		}
		return FromUint64(uint64(id)), nil
	default:
		return SteamID{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidFormat, v)
	}
}

// Uint64 packs the ID into its 64-bit encoding.
func (id SteamID) Uint64() uint64 {
	return uint64(id.Universe)<<56 |
		uint64(id.Type)<<52 |
		uint64(id.Instance)<<32 |
		uint64(id.AccountID)
}

// String renders the 64-bit encoding in decimal, matching how Steam's web
// endpoints expect IDs on the wire.
func (id SteamID) String() string {
	return strconv.FormatUint(id.Uint64(), 10)
}

// Steam2 renders the legacy "STEAM_X:Y:Z" form. Only individual accounts
// have a Steam2 rendering. When legacyUniverseZero is set, the public
// universe renders as 0 instead of 1 for GoldSrc-era compatibility.
func (id SteamID) Steam2(legacyUniverseZero bool) (string, error) {
	if id.Type != TypeIndividual {
		return "", fmt.Errorf("%w: steam2 rendering requires an individual id, got type %d", ErrUnsupportedType, id.Type)
	}
	universe := id.Universe
	if legacyUniverseZero && universe == UniversePublic {
		universe = 0
	}
	return fmt.Sprintf("STEAM_%d:%d:%d", universe, id.AccountID&1, id.AccountID>>1), nil
}

// Steam3 renders the bracket form, e.g. "[U:1:46143802]".
func (id SteamID) Steam3() string {
	typeChar, ok := typeChars[id.Type]
	if !ok {
		typeChar = 'i'
	}
	if id.Instance&InstanceFlagClan != 0 {
		typeChar = 'c'
	} else if id.Instance&InstanceFlagLobby != 0 {
		typeChar = 'L'
	}

	renderInstance := id.Type == TypeAnonGameServer ||
		id.Type == TypeMultiseat ||
		(id.Type == TypeIndividual && id.Instance != InstanceDesktop)

	if renderInstance {
		return fmt.Sprintf("[%c:%d:%d:%d]", typeChar, id.Universe, id.AccountID, id.Instance)
	}
	return fmt.Sprintf("[%c:%d:%d]", typeChar, id.Universe, id.AccountID)
}

// IsValid reports whether the ID satisfies the per-type validity rules.
// Validity is advisory: IDs that fail these rules can still be constructed,
// rendered and compared.
func (id SteamID) IsValid() bool {
	if id.Type <= TypeInvalid || id.Type > TypeAnonUser {
		return false
	}
	if id.Universe <= UniverseInvalid || id.Universe > UniverseDev {
		return false
	}
	switch id.Type {
	case TypeIndividual:
		if id.AccountID == 0 || id.Instance > InstanceWeb {
			return false
		}
	case TypeClan:
		if id.AccountID == 0 || id.Instance != InstanceAll {
			return false
		}
	case TypeGameServer:
		if id.AccountID == 0 {
			return false
		}
	}
	return true
}
