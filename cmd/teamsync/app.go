package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/agentworkforce/teamsync/internal/config"
	"github.com/agentworkforce/teamsync/internal/teamsync"
)

// app wires the sync core from a loaded config.
type app struct {
	store        teamsync.DocumentStore
	storeBackend string
	gateway      *teamsync.Gateway
	hub          *teamsync.Hub
	engine       *teamsync.Engine
	bridge       *teamsync.Bridge
	inbox        *teamsync.Inbox
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	storeDSN, queueDSN, err := cfg.Store.ResolveDSNs(cfg.Inbox.QueueDSN)
	if err != nil {
		return nil, err
	}
	store, err := teamsync.BuildDocumentStoreFromDSN(storeDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize document store: %w", err)
	}
	gateway, err := teamsync.NewGateway(store, teamsync.GatewayOptions{})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := seedUsers(ctx, gateway, cfg.Users); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to seed users: %w", err)
	}

	hub := teamsync.NewHub(teamsync.HubOptions{
		Gateway:          gateway,
		SubscriberBuffer: cfg.Publisher.SubscriberBuffer,
		Logger:           logger,
	})
	engine, err := teamsync.NewEngine(teamsync.EngineOptions{
		Gateway:   gateway,
		Publisher: hub,
		Logger:    logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	bridge, err := teamsync.NewBridge(teamsync.BridgeOptions{
		Engine: engine,
		Client: teamsync.NewHTTPTrackerClient(teamsync.TrackerHTTPClientOptions{
			BaseURL:    cfg.Tracker.BaseURL,
			UserAgent:  "teamsync/" + Version,
			MaxRetries: cfg.Tracker.MaxRetries,
			BaseDelay:  cfg.Tracker.BaseDelay.Duration,
			MaxDelay:   cfg.Tracker.MaxDelay.Duration,
		}),
		SystemUser: cfg.Tracker.SystemUser,
		Logger:     logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	queue, err := teamsync.BuildEnvelopeQueueFromDSN(queueDSN, cfg.Inbox.QueueSize)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize inbox queue: %w", err)
	}
	inbox, err := teamsync.NewInbox(teamsync.InboxOptions{
		Queue:         queue,
		Bridge:        bridge,
		Workers:       cfg.Inbox.Workers,
		DedupeWindow:  cfg.Inbox.DedupeWindow.Duration,
		WebhookSecret: cfg.Tracker.WebhookSecret,
		MaxAttempts:   cfg.Inbox.MaxAttempts,
		RetryDelay:    cfg.Inbox.RetryDelay.Duration,
		Logger:        logger,
	})
	if err != nil {
		_ = queue.Close()
		_ = store.Close()
		return nil, err
	}

	return &app{
		store:        store,
		storeBackend: teamsync.DocumentStoreBackend(storeDSN),
		gateway:      gateway,
		hub:          hub,
		engine:       engine,
		bridge:       bridge,
		inbox:        inbox,
	}, nil
}

func seedUsers(ctx context.Context, gateway *teamsync.Gateway, users []config.User) error {
	for _, user := range users {
		_, err := gateway.PutUser(ctx, teamsync.User{
			ID:           strings.TrimSpace(user.ID),
			Username:     strings.TrimSpace(user.Username),
			Email:        user.Email,
			Avatar:       user.Avatar,
			Active:       user.IsActive(),
			TrackerToken: user.TrackerToken,
		})
		if err != nil {
			return fmt.Errorf("user %s: %w", user.ID, err)
		}
	}
	return nil
}

// Close stops the inbox workers before closing the store they write to.
func (a *app) Close() error {
	return errors.Join(a.inbox.Close(), a.store.Close())
}
