package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.shadowdrake.org/steamweb/pkg/auth"
	"go.shadowdrake.org/steamweb/pkg/community"
	"go.shadowdrake.org/steamweb/pkg/steamid"
)

const testChatToken = "0123456789abcdef0123456789abcdef"

// testChatPage mimics the chat landing page: an embedded WebAPI token
// plus the inline bootstrap call carrying own persona, friends and
// groups.
const testChatPage = `<html><body><script>
	InitWebAPI( "https://api.steampowered.com/", "` + testChatToken + `" );
	CWebChat( WebAPI, {"m_ulSteamID":"76561198006409530","m_strName":"Me","m_ePersonaState":1,"m_strAvatarHash":"aa00"}, [{"m_ulSteamID":"76561198012345678","m_strName":"Buddy","m_ePersonaState":3,"m_strAvatarHash":"bb11","m_strNickname":"old pal"}], [{"name":"Pals","members":[52079950]}] );
</script></body></html>`

type recordedMessage struct {
	sender  steamid.SteamID
	text    string
	ownEcho bool
}

type personaEvent struct {
	id       steamid.SteamID
	current  Persona
	previous Persona
}

// eventRecorder collects handler dispatches for assertions.
type eventRecorder struct {
	mu        sync.Mutex
	loggedOn  int
	loggedOff int
	failures  []error
	messages  []recordedMessage
	typing    []steamid.SteamID
	personas  []personaEvent
	initials  int
	friends   map[string]Persona
	own       Persona
	groups    []FriendGroup
}

func (r *eventRecorder) handlers() Handlers {
	return Handlers{
		LoggedOn:    func() { r.mu.Lock(); r.loggedOn++; r.mu.Unlock() },
		LoggedOff:   func() { r.mu.Lock(); r.loggedOff++; r.mu.Unlock() },
		LogOnFailed: func(err error) { r.mu.Lock(); r.failures = append(r.failures, err); r.mu.Unlock() },
		Message: func(sender steamid.SteamID, text string, ownEcho bool) {
			r.mu.Lock()
			r.messages = append(r.messages, recordedMessage{sender, text, ownEcho})
			r.mu.Unlock()
		},
		Typing: func(sender steamid.SteamID) { r.mu.Lock(); r.typing = append(r.typing, sender); r.mu.Unlock() },
		PersonaState: func(id steamid.SteamID, current, previous Persona) {
			r.mu.Lock()
			r.personas = append(r.personas, personaEvent{id, current, previous})
			r.mu.Unlock()
		},
		Initial: func(friends map[string]Persona, own Persona, groups []FriendGroup) {
			r.mu.Lock()
			r.initials++
			r.friends = friends
			r.own = own
			r.groups = groups
			r.mu.Unlock()
		},
	}
}

type scheduledTask struct {
	delay time.Duration
	fn    func()
}

// manualScheduler records deferred callbacks instead of arming timers so
// tests can single-step the engine.
type manualScheduler struct {
	mu    sync.Mutex
	tasks []scheduledTask
}

func (s *manualScheduler) After(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, scheduledTask{d, fn})
}

func (s *manualScheduler) runNext(t *testing.T) scheduledTask {
	t.Helper()
	s.mu.Lock()
	require.NotEmpty(t, s.tasks, "no scheduled task to run")
	task := s.tasks[0]
	s.tasks = s.tasks[1:]
	s.mu.Unlock()
	task.fn()
	return task
}

func newTestClient(t *testing.T, cfg Config, handler http.Handler) (*Client, *eventRecorder, *manualScheduler) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sess, err := community.NewSession(community.Config{CommunityBase: srv.URL, APIBase: srv.URL}, zerolog.Nop())
	require.NoError(t, err)

	recorder := &eventRecorder{}
	sched := &manualScheduler{}
	c := NewClient(sess, auth.NewClient(sess, zerolog.Nop()), cfg, recorder.handlers(), zerolog.Nop())
	c.sched = sched
	return c, recorder, sched
}

func TestLogonStartsPolling(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testChatPage))
	})
	var logonForm map[string]string
	mux.HandleFunc("/ISteamWebUserPresenceOAuth/Logon/v1/", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		logonForm = map[string]string{
			"ui_mode":      r.PostFormValue("ui_mode"),
			"access_token": r.PostFormValue("access_token"),
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"OK","umqid":"12345","message":42}`))
	})

	c, recorder, sched := newTestClient(t, Config{}, mux)

	state := c.Logon(context.Background(), "")
	assert.Equal(t, StateLoggedOn, state)
	assert.Equal(t, StateLoggedOn, c.State())
	assert.Equal(t, map[string]string{"ui_mode": "web", "access_token": testChatToken}, logonForm)

	assert.Equal(t, 1, recorder.loggedOn)
	assert.Equal(t, 1, recorder.initials)
	assert.Equal(t, "Me", recorder.own.Name)
	require.Contains(t, recorder.friends, "76561198012345678")
	assert.Equal(t, "Buddy", recorder.friends["76561198012345678"].Name)
	assert.Equal(t, "old pal", recorder.friends["76561198012345678"].Nickname)
	require.Len(t, recorder.groups, 1)
	assert.Equal(t, "Pals", recorder.groups[0].Name)
	assert.Equal(t, uint32(52079950), recorder.groups[0].Members[0].AccountID)

	assert.Equal(t, "12345", c.chat.umqID)
	assert.Equal(t, int64(42), c.chat.messageCursor)
	assert.Equal(t, 20, c.chat.secTimeout)

	// the first poll is armed immediately
	require.Len(t, sched.tasks, 1)
	assert.Equal(t, time.Duration(0), sched.tasks[0].delay)
}

func TestLogonIdempotentWhileLoggedOn(t *testing.T) {
	var pageFetches int
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/", func(w http.ResponseWriter, r *http.Request) {
		pageFetches++
		_, _ = w.Write([]byte(testChatPage))
	})
	mux.HandleFunc("/ISteamWebUserPresenceOAuth/Logon/v1/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"OK","umqid":"1","message":0}`))
	})

	c, _, _ := newTestClient(t, Config{}, mux)

	assert.Equal(t, StateLoggedOn, c.Logon(context.Background(), ""))
	assert.Equal(t, StateLoggedOn, c.Logon(context.Background(), ""))
	assert.Equal(t, 1, pageFetches)
}

func TestLogonNotAuthorizedIsFatal(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	c, recorder, sched := newTestClient(t, Config{}, mux)

	assert.Equal(t, StateOffline, c.Logon(context.Background(), ""))
	require.Len(t, recorder.failures, 1)
	assert.Empty(t, sched.tasks, "fatal logon failure must not schedule a retry")
}

func TestLogonTransientFailureRetries(t *testing.T) {
	var pageFetches int
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/", func(w http.ResponseWriter, r *http.Request) {
		pageFetches++
		if pageFetches == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(testChatPage))
	})
	mux.HandleFunc("/ISteamWebUserPresenceOAuth/Logon/v1/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"OK","umqid":"1","message":0}`))
	})

	c, recorder, sched := newTestClient(t, Config{LogonRetryDelay: 5 * time.Second}, mux)

	assert.Equal(t, StateLogOnFailed, c.Logon(context.Background(), ""))
	require.Len(t, recorder.failures, 1)

	task := sched.runNext(t)
	assert.Equal(t, 5*time.Second, task.delay)
	assert.Equal(t, StateLoggedOn, c.State())
	assert.Equal(t, 2, pageFetches)
}

func TestLogonConcurrentWithPersonaRefresh(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(testChatPage))
	})
	mux.HandleFunc("/ISteamWebUserPresenceOAuth/Logon/v1/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"OK","umqid":"1","message":0}`))
	})
	mux.HandleFunc("/chat/friendstate/52079950", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"m_ulSteamID": "76561198012345678", "m_strName": "Buddy", "m_ePersonaState": 1}`))
	})

	c, _, _ := newTestClient(t, Config{}, mux)

	// a pending persona refresh racing a fresh logon, as happens when a
	// relogin fires while a refresh retry timer is still armed
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.Logon(context.Background(), "")
	}()
	go func() {
		defer wg.Done()
		c.refreshPersona(steamid.FromAccountID(52079950))
	}()
	wg.Wait()

	assert.Equal(t, StateLoggedOn, c.State())
	assert.Contains(t, c.Friends(), "76561198012345678")
}

func TestSendMessageRequiresLogon(t *testing.T) {
	c, _, _ := newTestClient(t, Config{}, http.NewServeMux())

	err := c.SendMessage(context.Background(), "76561198012345678", "hi")
	assert.ErrorIs(t, err, ErrNotLoggedOn)
}

func TestSendMessage(t *testing.T) {
	var form map[string]string
	mux := http.NewServeMux()
	mux.HandleFunc("/ISteamWebUserPresenceOAuth/Message/v1/", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = map[string]string{
			"access_token": r.PostFormValue("access_token"),
			"steamid_dst":  r.PostFormValue("steamid_dst"),
			"text":         r.PostFormValue("text"),
			"type":         r.PostFormValue("type"),
			"umqid":        r.PostFormValue("umqid"),
		}
		_, _ = w.Write([]byte(`{"error":"OK"}`))
	})

	c, _, _ := newTestClient(t, Config{}, mux)
	c.state = StateLoggedOn
	c.chat = chatSession{accessToken: testChatToken, umqID: "777"}

	require.NoError(t, c.SendMessage(context.Background(), "STEAM_0:0:26039975", "hello there"))
	assert.Equal(t, map[string]string{
		"access_token": testChatToken,
		"steamid_dst":  "76561198012345678",
		"text":         "hello there",
		"type":         "saytext",
		"umqid":        "777",
	}, form)

	require.NoError(t, c.SendTyping(context.Background(), uint64(76561198012345678)))
	assert.Equal(t, "typing", form["type"])
	assert.Equal(t, "", form["text"])
}

func TestLogoff(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ISteamWebUserPresenceOAuth/Logoff/v1/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"OK"}`))
	})

	c, recorder, sched := newTestClient(t, Config{}, mux)
	c.state = StateLoggedOn
	c.chat = chatSession{accessToken: testChatToken, umqID: "777", uiMode: "web"}
	c.friends = map[string]Persona{"76561198012345678": {Name: "Buddy"}}

	c.Logoff(context.Background())

	assert.Equal(t, StateOffline, c.State())
	assert.Equal(t, 1, recorder.loggedOff)
	assert.Empty(t, c.chat.umqID)
	assert.Empty(t, c.Friends())
	assert.True(t, c.forcedLogoff)
	assert.Empty(t, sched.tasks)
}

func TestLogoffRetriesOnFailure(t *testing.T) {
	var calls int
	mux := http.NewServeMux()
	mux.HandleFunc("/ISteamWebUserPresenceOAuth/Logoff/v1/", func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"error":"OK"}`))
	})

	c, recorder, sched := newTestClient(t, Config{LogoffRetryDelay: time.Second}, mux)
	c.state = StateLoggedOn
	c.chat = chatSession{accessToken: testChatToken, umqID: "777"}

	c.Logoff(context.Background())
	assert.Equal(t, 0, recorder.loggedOff)

	task := sched.runNext(t)
	assert.Equal(t, time.Second, task.delay)
	assert.Equal(t, 1, recorder.loggedOff)
	assert.Equal(t, StateOffline, c.State())
}

func TestLogoffSuppressesRelogin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ISteamWebUserPresenceOAuth/Logoff/v1/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"OK"}`))
	})
	var pageFetches int
	mux.HandleFunc("/chat/", func(w http.ResponseWriter, r *http.Request) {
		pageFetches++
		_, _ = w.Write([]byte(testChatPage))
	})

	c, _, _ := newTestClient(t, Config{}, mux)
	c.state = StateLoggedOn
	c.chat = chatSession{accessToken: testChatToken, umqID: "777", uiMode: "web"}

	c.Logoff(context.Background())
	c.relogin()
	assert.Equal(t, 0, pageFetches, "relogin after deliberate logoff must be a no-op")
	assert.Equal(t, StateOffline, c.State())
}
