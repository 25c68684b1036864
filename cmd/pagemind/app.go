package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Rrens/pagemind/internal/chat"
	"github.com/Rrens/pagemind/internal/config"
	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/logger"
	"github.com/Rrens/pagemind/internal/relay"
	"github.com/Rrens/pagemind/internal/repository"
	"github.com/Rrens/pagemind/internal/security"
	"github.com/Rrens/pagemind/internal/store"
)

// app wires the terminal surface: local history, daemon client and view.
type app struct {
	cfg     *config.Config
	repo    domain.StateRepository
	store   *store.ConversationStore
	runtime *chat.RuntimeClient
	view    *chat.TerminalView
	ctrl    *chat.Controller
	logs    io.Closer
}

func newApp(ctx context.Context, replay bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if !flags.verbose {
		cfg.Logging.Level = "warn"
	}

	logs, err := logger.Setup(cfg.Logging)
	if err != nil {
		return nil, err
	}

	repo, err := repository.Open(ctx, cfg.Storage)
	if err != nil {
		logs.Close()
		return nil, fmt.Errorf("failed to open conversation storage: %w", err)
	}

	var opts []store.Option
	if cfg.Storage.EncryptionSecret != "" {
		enc, err := security.NewEncryptorFromSecret(cfg.Storage.EncryptionSecret)
		if err != nil {
			repo.Close()
			logs.Close()
			return nil, err
		}
		opts = append(opts, store.WithEncryptor(enc))
	}
	st := store.New(repo, opts...)

	tokens := security.NewTokenManager(cfg.Auth.SharedSecret, cfg.Auth.TokenTTL)
	runtime := chat.NewRuntimeClient(cfg.Client.ServerURL, tokens, cfg.Client.Timeout)
	view := chat.NewTerminalView(os.Stdout, !flags.plain)

	ctrl := chat.NewController(runtime, st, view, chat.Options{
		RetryDelay: cfg.Client.RetryDelay,
		NoReplay:   !replay,
	})

	return &app{
		cfg:     cfg,
		repo:    repo,
		store:   st,
		runtime: runtime,
		view:    view,
		ctrl:    ctrl,
		logs:    logs,
	}, nil
}

// connect attaches the relay and starts the controller.
func (a *app) connect(ctx context.Context) error {
	streamURL, err := a.runtime.StreamURL()
	if err != nil {
		return err
	}

	client := relay.NewClient(streamURL, a.ctrl.Handler(), relay.ClientOptions{
		Token:          a.runtime.TokenFunc(),
		Ready:          a.ctrl.Ready,
		ReconnectDelay: a.cfg.Relay.ReconnectDelay,
	})
	a.ctrl.UseStream(client)

	return a.ctrl.Start(ctx)
}

// load reads history without talking to the daemon.
func (a *app) load(ctx context.Context) {
	if _, err := a.store.Load(ctx); err != nil {
		a.view.ShowError(domain.MessageOf(err))
	}
}

func (a *app) close() {
	a.ctrl.Close()
	a.repo.Close()
	a.logs.Close()
}

// wait blocks until p finishes. A nil Pending is an ignored input.
func wait(ctx context.Context, p *relay.Pending) error {
	if p == nil {
		return nil
	}
	select {
	case <-p.Done():
		_, err := p.Result()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
