package community

import (
	"fmt"
	"strings"
)

// defaultAvatarHash is the hash Steam serves for accounts without an
// avatar; an all-zero hash must be substituted with it.
const defaultAvatarHash = "fef49e7fa7e1997310d705b2a6158ff8dc1cdfeb"

// AvatarURL resolves an avatar hash into its CDN URL. Quality may be
// "icon" (or empty), "medium" or "full".
func AvatarURL(hash, quality string) string {
	switch quality {
	case "", "icon":
		quality = ""
	default:
		quality = "_" + quality
	}

	if hash == strings.Repeat("0", 40) || len(hash) < 2 {
		hash = defaultAvatarHash
	}

	return fmt.Sprintf(
		"http://cdn.akamai.steamstatic.com/steamcommunity/public/images/avatars/%s/%s%s.jpg",
		hash[:2], hash, quality)
}
