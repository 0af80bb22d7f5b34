package community

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
)

// savedCookie is the on-disk representation of one cookie.
type savedCookie struct {
	Host  string `json:"host"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SaveCookies writes the session's cookies for both Steam hosts to a JSON
// file, allowing a later process to resume the web session without a full
// login.
func (s *Session) SaveCookies(path string) error {
	var saved []savedCookie
	for _, base := range []string{s.communityBase, s.apiBase} {
		u, err := url.Parse(base)
		if err != nil {
			continue
		}
		for _, c := range s.jar.Cookies(u) {
			saved = append(saved, savedCookie{Host: base, Name: c.Name, Value: c.Value})
		}
	}

	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write cookie file: %w", err)
	}
	s.log.Debug().Str("path", path).Int("cookies", len(saved)).Msg("Saved session cookies")
	return nil
}

// LoadCookies restores cookies previously written by SaveCookies. A missing
// file is not an error; it reports false and leaves the jar untouched.
func (s *Session) LoadCookies(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to read cookie file: %w", err)
	}

	var saved []savedCookie
	if err := json.Unmarshal(data, &saved); err != nil {
		return false, fmt.Errorf("failed to decode cookie file: %w", err)
	}

	for _, c := range saved {
		u, err := url.Parse(c.Host)
		if err != nil {
			continue
		}
		s.jar.SetCookies(u, []*http.Cookie{{Name: c.Name, Value: c.Value, Path: "/"}})
	}
	s.log.Debug().Str("path", path).Int("cookies", len(saved)).Msg("Loaded session cookies")
	return true, nil
}
