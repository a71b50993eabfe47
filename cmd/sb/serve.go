package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/attachment"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/conversation"
	"github.com/zulandar/switchboard/internal/crypt"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/delivery"
	"github.com/zulandar/switchboard/internal/fanout"
	"github.com/zulandar/switchboard/internal/identity"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/message"
	"github.com/zulandar/switchboard/internal/moderation"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/retention"
	"github.com/zulandar/switchboard/internal/schedule"
	"github.com/zulandar/switchboard/internal/server"
	"gorm.io/gorm"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		migrate    bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the messaging server",
		Long: `Starts the websocket session server with every background worker:
cross-node relay, attachment scanning, scheduled retention sweeps and
offline notifications. Stops gracefully on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port, migrate)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "auto-migrate tables before serving")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int, migrate bool) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	log, err := logging.Setup(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if migrate {
		if err := db.AutoMigrate(gormDB); err != nil {
			return err
		}
	}

	a, err := buildApp(cfg, gormDB, log, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(cmd.OutOrStdout(), "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	return a.run(ctx)
}

// app is the fully wired server process.
type app struct {
	log           logrus.FieldLogger
	hub           *fanout.Hub
	tracker       *delivery.Tracker
	filter        *moderation.Filter
	pipeline      *attachment.Pipeline
	messages      *message.Store
	conversations *conversation.Store
	notifications *notify.Hook // nil without notify.command
	sweeper       *retention.Sweeper
	runner        *schedule.Runner
	server        *server.Server
}

// buildApp constructs every component from cfg. Nothing is started.
func buildApp(cfg *config.Config, gormDB *gorm.DB, log logrus.FieldLogger, out io.Writer) (*app, error) {
	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, err
	}
	cipher, err := crypt.New(key, log)
	if err != nil {
		return nil, err
	}

	hubOpts := fanout.HubOpts{Log: log}
	if cfg.Relay.ValkeyAddr != "" {
		relay, err := fanout.NewValkeyRelay(cfg.Relay.ValkeyAddr, cfg.Relay.Channel, log)
		if err != nil {
			return nil, err
		}
		hubOpts.Relay = relay
		hubOpts.Roster = relay.Roster(cfg.Relay.PresenceTTL)
		hubOpts.RosterTTL = cfg.Relay.PresenceTTL
	}
	a := &app{log: log}
	hubOpts.OnRelayed = a.relayedDelivery
	a.hub = fanout.NewHub(hubOpts)

	if a.tracker, err = delivery.New(delivery.Opts{DB: gormDB, Publisher: a.hub, Log: log}); err != nil {
		return nil, err
	}
	if a.filter, err = moderation.New(moderation.Opts{
		DB:            gormDB,
		Detector:      moderation.NewKeywordDetector(cfg.Moderation.Keywords, cfg.Moderation.MaxLinks),
		FlagThreshold: cfg.Moderation.FlagThreshold,
		Log:           log,
	}); err != nil {
		return nil, err
	}

	blobs, err := attachment.NewFSStore(cfg.Attachments.Dir)
	if err != nil {
		return nil, err
	}
	var scanner attachment.Scanner = attachment.Unconfigured
	if cfg.Attachments.ScanCommand != "" {
		scanner = attachment.CommandScanner{Command: cfg.Attachments.ScanCommand}
	} else {
		log.Warn("serve: attachments.scan_command is not set; uploads stay pending")
	}
	if a.pipeline, err = attachment.New(attachment.Opts{
		DB:          gormDB,
		Blobs:       blobs,
		Scanner:     scanner,
		Publisher:   a.hub,
		MaxSize:     cfg.Attachments.MaxSize,
		Workers:     cfg.Attachments.ScanWorkers,
		QueueSize:   cfg.Attachments.ScanQueue,
		ScanTimeout: cfg.Attachments.ScanTimeout,
		Log:         log,
	}); err != nil {
		return nil, err
	}

	hooks := []message.Hook{
		message.FanoutHook{Publisher: a.hub},
		message.DeliveryHook{Marker: a.tracker, Log: log},
	}
	if cfg.Notify.Command != "" {
		if a.notifications, err = notify.NewHook(notify.HookOpts{
			DB:       gormDB,
			Notifier: notify.CommandNotifier{Command: cfg.Notify.Command},
			Presence: a.hub,
			Log:      log,
		}); err != nil {
			return nil, err
		}
		hooks = append(hooks, a.notifications)
	}
	if a.messages, err = message.New(message.Opts{
		DB:         gormDB,
		Cipher:     cipher,
		Moderator:  a.filter,
		Remover:    a.pipeline,
		Delivery:   a.tracker,
		Hooks:      hooks,
		MaxLength:  cfg.Messages.MaxLength,
		EditWindow: cfg.Messages.EditWindow,
		Log:        log,
	}); err != nil {
		return nil, err
	}
	if a.conversations, err = conversation.New(conversation.Opts{
		DB:        gormDB,
		Poster:    a.messages,
		Publisher: a.hub,
		Log:       log,
	}); err != nil {
		return nil, err
	}

	if a.sweeper, err = retention.New(retention.Opts{DB: gormDB, Remover: a.pipeline, Log: log}); err != nil {
		return nil, err
	}
	if a.runner, err = schedule.NewRunner(log,
		schedule.Job{Name: "retention", Spec: cfg.Retention.Schedule, Run: a.sweeper.Run},
		schedule.Job{Name: "attachment-rescan", Spec: cfg.Attachments.RescanSchedule, Run: a.rescan},
	); err != nil {
		return nil, err
	}

	resolver, err := identity.NewJWTResolver([]byte(cfg.JWTSecret()), cfg.Auth.Issuer)
	if err != nil {
		return nil, err
	}
	if a.server, err = server.New(server.Opts{
		Resolver:     resolver,
		Hub:          a.hub,
		Reads:        a.tracker,
		Port:         cfg.Server.Port,
		PingInterval: cfg.Server.PingInterval,
		WriteTimeout: cfg.Server.WriteTimeout,
		SendBuffer:   cfg.Server.SendBuffer,
		Log:          log,
		Out:          out,
	}); err != nil {
		return nil, err
	}
	return a, nil
}

// relayedDelivery marks a message delivered when its event, published on
// another node, reached a recipient session here.
func (a *app) relayedDelivery(ctx context.Context, e fanout.Event, _ fanout.Delivery) {
	if e.Type != fanout.EventNewMessage {
		return
	}
	id, _ := e.Payload["id"].(string)
	if id == "" {
		return
	}
	if err := a.tracker.MarkMessageDelivered(ctx, id); err != nil {
		a.log.WithError(err).WithField("message_id", id).Warn("serve: mark relayed message delivered failed")
	}
}

// rescan requeues attachments whose scan never finished.
func (a *app) rescan(ctx context.Context) error {
	_, err := a.pipeline.RequeuePending(ctx)
	return err
}

// run starts the background workers and serves until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	if err := a.hub.Start(ctx); err != nil {
		return err
	}
	defer a.hub.Stop()
	if err := a.pipeline.Start(ctx); err != nil {
		return err
	}
	defer a.pipeline.Stop()
	if err := a.runner.Start(ctx); err != nil {
		return err
	}
	defer a.runner.Stop()
	if a.notifications != nil {
		defer a.notifications.Wait()
	}
	// Scans interrupted by the previous shutdown resume at startup.
	if err := a.rescan(ctx); err != nil {
		a.log.WithError(err).Warn("serve: startup rescan failed")
	}

	return a.server.Start(ctx)
}
