// Command steamchat is a minimal interactive Steam web-chat client. It
// logs in (prompting for SteamGuard, two-factor or captcha answers as
// Steam asks for them), keeps the login cookies on disk for the next run,
// connects to web chat and bridges stdin/stdout to the conversation.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"go.shadowdrake.org/steamweb/pkg/auth"
	"go.shadowdrake.org/steamweb/pkg/chat"
	"go.shadowdrake.org/steamweb/pkg/community"
	"go.shadowdrake.org/steamweb/pkg/steamid"
)

type config struct {
	Username   string           `yaml:"username"`
	CookieFile string           `yaml:"cookie_file"`
	Session    community.Config `yaml:"session"`
	Chat       chat.Config      `yaml:"chat"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{CookieFile: "steamchat-cookies.json"}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func prompt(in *bufio.Scanner, label string) string {
	fmt.Printf("%s: ", label)
	if !in.Scan() {
		os.Exit(1)
	}
	return strings.TrimSpace(in.Text())
}

// login drives the multi-round login conversation until Steam is
// satisfied or permanently rejects the credentials.
func login(ctx context.Context, client *auth.Client, cfg *config, in *bufio.Scanner, log zerolog.Logger) error {
	username := cfg.Username
	if username == "" {
		username = prompt(in, "username")
	}
	password := prompt(in, "password")

	status, err := client.Login(ctx, auth.Details{"username": username, "password": password})
	for err == nil {
		switch status {
		case auth.StatusSuccess:
			log.Info().Stringer("steam_id", client.SteamID).Msg("Logged in")
			return nil
		case auth.StatusSteamGuard:
			status, err = client.Retry(ctx, auth.Details{"steamguard": prompt(in, "SteamGuard email code")})
		case auth.StatusTwoFactor:
			status, err = client.Retry(ctx, auth.Details{"twofactor": prompt(in, "mobile authenticator code")})
		case auth.StatusCaptcha:
			status, err = client.Retry(ctx, auth.Details{"captcha": prompt(in, "captcha answer")})
		default:
			return fmt.Errorf("login stalled in status %s", status)
		}
	}
	return err
}

func run() error {
	configPath := flag.String("config", "steamchat.yaml", "config file path")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !*debug {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	session, err := community.NewSession(cfg.Session, log)
	if err != nil {
		return err
	}
	client := auth.NewClient(session, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	in := bufio.NewScanner(os.Stdin)

	loaded, err := session.LoadCookies(cfg.CookieFile)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to load saved cookies")
	}
	state := auth.LoggedInError
	if loaded {
		state, _ = client.LoggedIn(ctx)
	}
	if state == auth.LoggedInFamilyView {
		if ok, err := client.ParentalUnlock(ctx, prompt(in, "family view PIN")); err != nil || !ok {
			log.Warn().Err(err).Msg("Family view unlock failed")
			state = auth.LoggedInError
		} else {
			state = auth.LoggedInYes
		}
	}
	if state != auth.LoggedInYes {
		if err := login(ctx, client, cfg, in, log); err != nil {
			return err
		}
		if err := session.SaveCookies(cfg.CookieFile); err != nil {
			log.Warn().Err(err).Msg("Failed to save cookies")
		}
	}

	var engine *chat.Client
	name := func(id steamid.SteamID) string {
		if p, ok := engine.Friends()[id.String()]; ok && p.Name != "" {
			return p.Name
		}
		return id.String()
	}
	engine = chat.NewClient(session, client, cfg.Chat, chat.Handlers{
		LoggedOn: func() { fmt.Println("* chat connected") },
		LoggedOff: func() {
			fmt.Println("* chat disconnected")
			stop()
		},
		LogOnFailed: func(err error) { fmt.Printf("* chat logon failed: %v\n", err) },
		Message: func(sender steamid.SteamID, text string, ownEcho bool) {
			if ownEcho {
				fmt.Printf("[to %s] %s\n", name(sender), text)
			} else {
				fmt.Printf("[%s] %s\n", name(sender), text)
			}
		},
		Typing: func(sender steamid.SteamID) {
			fmt.Printf("* %s is typing\n", name(sender))
		},
		PersonaState: func(id steamid.SteamID, current, previous chat.Persona) {
			if current.State != previous.State {
				fmt.Printf("* %s is now %s\n", name(id), current.State)
			}
		},
		Initial: func(friends map[string]chat.Persona, own chat.Persona, groups []chat.FriendGroup) {
			fmt.Printf("* %d friends loaded, logged in as %s\n", len(friends), own.Name)
		},
		SessionExpired: func() {
			fmt.Println("* web session expired, log in again")
			stop()
		},
	}, log)

	if state := engine.Logon(ctx, ""); state != chat.StateLoggedOn {
		log.Warn().Stringer("state", state).Msg("Chat logon did not complete, retrying in background")
	}

	fmt.Println(`commands: msg <steamid> <text>, friends, quit`)
	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		fields := strings.SplitN(line, " ", 3)
		switch {
		case line == "quit":
			engine.Logoff(ctx)
			<-ctx.Done()
			return nil
		case line == "friends":
			for _, p := range engine.Friends() {
				fmt.Printf("  %s  %s (%s)\n", p.SteamID, p.Name, p.State)
			}
		case fields[0] == "msg" && len(fields) == 3:
			if err := engine.SendMessage(ctx, fields[1], fields[2]); err != nil {
				fmt.Printf("* send failed: %v\n", err)
			}
		case line == "":
		default:
			fmt.Println("* unknown command")
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "steamchat:", err)
		os.Exit(1)
	}
}
