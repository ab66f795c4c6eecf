// Package app assembles the supervisor's components into one running
// process: it owns the event-bus subscriptions that glue the orchestrator,
// streaming bridge, router, and control plane together.
package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kansup/kansup/internal/agentclient"
	"github.com/kansup/kansup/internal/chatplatform"
	"github.com/kansup/kansup/internal/chatplatform/telegram"
	"github.com/kansup/kansup/internal/common/config"
	"github.com/kansup/kansup/internal/common/logger"
	"github.com/kansup/kansup/internal/controlplane"
	"github.com/kansup/kansup/internal/discovery"
	"github.com/kansup/kansup/internal/events"
	"github.com/kansup/kansup/internal/events/bus"
	"github.com/kansup/kansup/internal/orchestrator"
	orchstore "github.com/kansup/kansup/internal/orchestrator/store"
	"github.com/kansup/kansup/internal/orchestrator/portpool"
	"github.com/kansup/kansup/internal/registration"
	"github.com/kansup/kansup/internal/router"
	"github.com/kansup/kansup/internal/streaming"
	"github.com/kansup/kansup/internal/topic"
)

// App wires every component and owns their shared lifecycle.
type App struct {
	cfg *config.Config
	log *logger.Logger

	orchestratorStore *orchstore.Store
	topicStore        *topic.Store
	ports             *portpool.Pool
	eventBus          *bus.MemoryEventBus
	manager           *orchestrator.Manager
	bridge            *streaming.Bridge
	scanner           *discovery.Scanner
	routerSvc         *router.Router
	controlPlane      *controlplane.ControlPlane
	platform          chatplatform.Platform
	regServer         *registration.Server

	sseCancelsMu sync.Mutex
	sseCancels   map[string]func()
}

// New opens every store and assembles the dependency graph; it does not
// start any background loops yet (call Run for that).
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	orchestratorStore, err := orchstore.Open(cfg.Store.OrchestratorDBPath)
	if err != nil {
		return nil, fmt.Errorf("app: open orchestrator store: %w", err)
	}
	topicStore, err := topic.Open(cfg.Store.TopicDBPath)
	if err != nil {
		return nil, fmt.Errorf("app: open topic store: %w", err)
	}

	ports := portpool.New(cfg.Orchestrator.PortRangeStart, cfg.Orchestrator.PortRangeSize)
	eventBus := bus.NewMemoryEventBus(log)
	manager := orchestrator.New(cfg, orchestratorStore, ports, eventBus, log)

	bridge := streaming.NewBridge(nil, log) // platform wired in after telegram.New

	platform, err := telegram.New(cfg.Telegram.BotToken, log)
	if err != nil {
		return nil, fmt.Errorf("app: connect telegram: %w", err)
	}
	bridge.SetPlatform(platform)

	scanner := discovery.NewScanner(
		cfg.Agent.Command,
		cfg.Orchestrator.PortRangeStart,
		cfg.Orchestrator.PortRangeStart+cfg.Orchestrator.PortRangeSize,
		cfg.Agent.RequestTimeout(),
		log,
	)

	routerSvc := router.New(topicStore, manager, scanner, bridge, log)
	controlPlane := controlplane.New(platform, topicStore, manager, bridge, cfg.Telegram.ProjectBasePath, log)
	regServer := registration.NewServer(topicStore, manager, cfg.Auth.APIKey, log)

	return &App{
		cfg:               cfg,
		log:               log,
		orchestratorStore: orchestratorStore,
		topicStore:        topicStore,
		ports:             ports,
		eventBus:          eventBus,
		manager:           manager,
		bridge:            bridge,
		scanner:           scanner,
		routerSvc:         routerSvc,
		controlPlane:      controlPlane,
		platform:          platform,
		regServer:         regServer,
		sseCancels:        make(map[string]func()),
	}, nil
}

// Run starts every background loop and blocks until ctx is cancelled or a
// component fails fatally.
func (a *App) Run(ctx context.Context) error {
	if err := a.manager.Recover(ctx); err != nil {
		return fmt.Errorf("app: recover orchestrator state: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.runInstanceLifecycleSubscriber(ctx) })
	g.Go(func() error { return a.platform.Run(ctx) })
	g.Go(func() error { return a.consumeChatUpdates(ctx) })
	g.Go(func() error { return a.serveRegistrationAPI(ctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown tears down every instance and closes the stores; safe to call
// after Run returns.
func (a *App) Shutdown(ctx context.Context) error {
	if err := a.manager.Shutdown(ctx); err != nil {
		a.log.Warn("app: error shutting down orchestrator", zap.Error(err))
	}
	a.eventBus.Close()
	_ = a.platform.Close()
	_ = a.orchestratorStore.Close()
	_ = a.topicStore.Close()
	return nil
}

// runInstanceLifecycleSubscriber binds sessionIDs as instances come ready
// and opens/closes the instance's SSE stream into the streaming bridge.
func (a *App) runInstanceLifecycleSubscriber(ctx context.Context) error {
	readySub, err := a.eventBus.Subscribe(events.InstanceWildcardSubject(events.InstanceReady), func(ctx context.Context, evt *bus.Event) error {
		a.onInstanceReady(ctx, evt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("app: subscribe instance.ready: %w", err)
	}
	defer readySub.Unsubscribe()

	stoppedSub, err := a.eventBus.Subscribe(events.InstanceWildcardSubject(events.InstanceStopped), func(ctx context.Context, evt *bus.Event) error {
		a.onInstanceGone(evt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("app: subscribe instance.stopped: %w", err)
	}
	defer stoppedSub.Unsubscribe()

	crashedSub, err := a.eventBus.Subscribe(events.InstanceWildcardSubject(events.InstanceCrashed), func(ctx context.Context, evt *bus.Event) error {
		a.onInstanceGone(evt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("app: subscribe instance.crashed: %w", err)
	}
	defer crashedSub.Unsubscribe()

	<-ctx.Done()
	return nil
}

// onInstanceReady matches the newly-running instance's agent sessions
// against its workDir to discover the real sessionID, binds it onto both
// the orchestrator's record and the topic mapping, and starts streaming
// its SSE events into the bridge. The supervisor itself never binds
// sessionID at health-pass time; this subscriber is where that binding
// happens, since only the agent's own session list can say which
// sessionID belongs to which workDir.
func (a *App) onInstanceReady(ctx context.Context, evt *bus.Event) {
	instanceID, _ := evt.Data["instanceId"].(string)
	if instanceID == "" {
		return
	}
	inst, ok := a.manager.Get(instanceID)
	if !ok {
		return
	}

	client := agentclient.New(fmt.Sprintf("http://127.0.0.1:%d", inst.Port), a.cfg.Agent.RequestTimeout(), a.cfg.Agent.MaxRetries)
	probeCtx, cancel := context.WithTimeout(ctx, a.cfg.Agent.RequestTimeout())
	defer cancel()
	sessions, err := client.ListSessions(probeCtx)
	if err != nil {
		a.log.Warn("app: failed to list sessions for newly ready instance", zap.String("instance", instanceID), zap.Error(err))
		return
	}

	var sessionID string
	for _, sess := range sessions {
		if sess.Directory == inst.WorkDir {
			sessionID = sess.ID
			break
		}
	}
	if sessionID == "" {
		created, err := client.CreateSession(probeCtx, agentclient.CreateSessionOpts{Directory: inst.WorkDir})
		if err != nil {
			a.log.Warn("app: failed to create session for instance", zap.String("instance", instanceID), zap.Error(err))
			return
		}
		sessionID = created.ID
	}

	a.manager.BindSession(instanceID, sessionID)

	mapping, err := a.topicStore.GetMapping(a.cfg.Telegram.SupergroupID, inst.TopicID)
	if err == nil && mapping != nil {
		_ = a.topicStore.UpdateSession(mapping.ChatID, mapping.TopicID, sessionID)
		a.bridge.BindSession(sessionID, chatplatform.Chat{ChatID: mapping.ChatID, TopicID: mapping.TopicID}, mapping.StreamingEnabled)
	}

	a.subscribeInstanceEvents(instanceID, client, sessionID)
}

// subscribeInstanceEvents opens the agent's SSE stream and forwards every
// event into the bridge for rendering.
func (a *App) subscribeInstanceEvents(instanceID string, client *agentclient.Client, sessionID string) {
	cancel, err := client.Subscribe(context.Background(),
		func(evt agentclient.Event) {
			a.bridge.HandleAgentEvent(context.Background(), sessionID, evt)
		},
		func(err error) {
			a.log.Warn("app: instance SSE stream ended", zap.String("instance", instanceID), zap.Error(err))
		},
	)
	if err != nil {
		a.log.Warn("app: failed to subscribe to instance events", zap.String("instance", instanceID), zap.Error(err))
		return
	}

	a.sseCancelsMu.Lock()
	a.sseCancels[instanceID] = cancel
	a.sseCancelsMu.Unlock()
}

func (a *App) onInstanceGone(evt *bus.Event) {
	instanceID, _ := evt.Data["instanceId"].(string)
	a.sseCancelsMu.Lock()
	cancel, ok := a.sseCancels[instanceID]
	delete(a.sseCancels, instanceID)
	a.sseCancelsMu.Unlock()
	if ok {
		cancel()
	}
}

// consumeChatUpdates dispatches inbound Telegram updates to the control
// plane or router.
func (a *App) consumeChatUpdates(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-a.platform.Updates():
			if !ok {
				return nil
			}
			a.handleUpdate(ctx, update)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, update chatplatform.Update) {
	switch update.Kind {
	case chatplatform.UpdateMessage:
		if update.Message == nil {
			return
		}
		if controlplane.IsCommand(update.Message.Text) {
			if err := a.controlPlane.Handle(ctx, update.Message); err != nil {
				a.log.Warn("app: control plane command failed", zap.Error(err))
			}
			return
		}
		if _, err := a.routerSvc.Route(ctx, update.Message); err != nil {
			a.log.Warn("app: failed to route message", zap.Error(err))
		}
	case chatplatform.UpdateCallbackQuery:
		if update.CallbackQuery == nil {
			return
		}
		if err := a.controlPlane.HandleCallbackQuery(ctx, update.CallbackQuery); err != nil {
			a.log.Warn("app: callback query handling failed", zap.Error(err))
		}
	case chatplatform.UpdateTopicEvent:
		a.handleTopicEvent(update.TopicEvent)
	}
}

func (a *App) handleTopicEvent(evt *chatplatform.TopicEvent) {
	if evt == nil {
		return
	}
	switch evt.Type {
	case chatplatform.TopicEventClosed:
		_ = a.topicStore.UpdateStatus(evt.Chat.ChatID, evt.Chat.TopicID, topic.StatusClosed)
	case chatplatform.TopicEventReopened:
		_ = a.topicStore.UpdateStatus(evt.Chat.ChatID, evt.Chat.TopicID, topic.StatusActive)
	}
}

// serveRegistrationAPI runs the registration HTTP server until ctx is
// cancelled.
func (a *App) serveRegistrationAPI(ctx context.Context) error {
	engine := a.regServer.NewEngine()
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  a.cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: a.cfg.Server.WriteTimeoutDuration(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
