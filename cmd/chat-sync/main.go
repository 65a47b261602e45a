package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/nmelo/chat-sync/internal/auth"
	"github.com/nmelo/chat-sync/internal/chat"
	"github.com/nmelo/chat-sync/internal/config"
	apperrors "github.com/nmelo/chat-sync/internal/errors"
	"github.com/nmelo/chat-sync/internal/logging"
	"github.com/nmelo/chat-sync/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("host", cfg.Host),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	api := chat.NewClient(nil, cfg.Host)

	token, profile, err := authenticate(ctx, api, cfg, appState, logger)
	if err != nil {
		return err
	}

	session := chat.NewSession(chat.SessionConfig{
		Host:   cfg.Host,
		Token:  token,
		Device: cfg.DeviceName,
		User: chat.Participant{
			ID:        profile.ID,
			Name:      profile.Name,
			Email:     profile.Email,
			AvatarURL: profile.AvatarURL,
		},
		Insecure: cfg.InsecureWS,
		API:      api,
		OnStatus: func(st chat.Status) {
			logger.Info("channel status changed", slog.String("status", st.String()))
		},
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return session.Run(gctx)
	})

	return g.Wait()
}

// authenticate returns a usable bearer token and user profile: the
// cached pair when the token is still valid, otherwise a fresh signin.
// An expired cached token is purged proactively rather than left for
// the server to reject.
func authenticate(ctx context.Context, api *chat.Client, cfg *config.Config, appState *state.State, logger *slog.Logger) (string, state.Profile, error) {
	token := appState.Token()

	if token != "" && auth.Expired(token) {
		logger.Info("cached token expired, purging")

		if err := appState.ClearToken(); err != nil {
			return "", state.Profile{}, fmt.Errorf("clearing expired token: %w", err)
		}

		token = ""
	}

	if token != "" {
		profile, err := appState.Profile()
		if err != nil {
			return "", state.Profile{}, fmt.Errorf("loading profile: %w", err)
		}

		if profile != nil {
			logger.Info("using cached session", slog.String("user", profile.ID))
			return token, *profile, nil
		}

		// Token without profile: fall through to a fresh signin.
	}

	if cfg.Email == "" || cfg.Password == "" {
		return "", state.Profile{}, fmt.Errorf("no cached session and no credentials configured: %w", apperrors.ErrNotAuthenticated)
	}

	resp, err := api.Signin(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return "", state.Profile{}, err
	}

	profile := profileFromRaw(resp.User)

	if err := appState.SetToken(resp.Token); err != nil {
		return "", state.Profile{}, fmt.Errorf("persisting token: %w", err)
	}

	if err := appState.SetProfile(profile); err != nil {
		return "", state.Profile{}, fmt.Errorf("persisting profile: %w", err)
	}

	logger.Info("signed in", slog.String("user", profile.ID))

	return resp.Token, profile, nil
}

// profileFromRaw extracts the persisted profile fields from the raw
// user record of a signin response. The record shares the wire's loose
// conventions, so keys are probed in the same alias order the
// normalizer uses.
func profileFromRaw(raw []byte) state.Profile {
	v := gjson.ParseBytes(raw)

	id := v.Get("_id").String()
	if id == "" {
		id = v.Get("id").String()
	}

	name := v.Get("name").String()
	if name == "" {
		name = v.Get("username").String()
	}

	avatar := v.Get("avatar").String()
	if avatar == "" {
		avatar = v.Get("avatarUrl").String()
	}

	return state.Profile{
		ID:        id,
		Name:      name,
		Email:     v.Get("email").String(),
		AvatarURL: avatar,
	}
}
