package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"OpenMCP-Pilot/internal/agent"
	"OpenMCP-Pilot/internal/catalog"
	"OpenMCP-Pilot/internal/config"
	"OpenMCP-Pilot/internal/device/fixture"
	"OpenMCP-Pilot/internal/discovery"
	"OpenMCP-Pilot/internal/llm"
	"OpenMCP-Pilot/internal/llm/gemini"
	"OpenMCP-Pilot/internal/llm/openai"
	"OpenMCP-Pilot/internal/observability/alerting"
	"OpenMCP-Pilot/internal/session"
	"OpenMCP-Pilot/internal/tools"
	"OpenMCP-Pilot/pkg/logger"
)

// app 持有一次进程内装配好的组件。
type app struct {
	cfg        *config.Config
	store      session.Store
	device     *fixture.Device
	catalog    *catalog.Catalog
	registry   *tools.Registry
	transport  discovery.Transport
	discovery  *discovery.Client
	flag       *agent.CancelFlag
	dispatcher *tools.Dispatcher
	agent      *agent.Agent
	log        *slog.Logger
}

// buildOptions 控制装配范围，只读命令不需要模型客户端。
type buildOptions struct {
	withAgent bool
}

func buildApp(ctx context.Context, cfg *config.Config, opts buildOptions) (*app, error) {
	a := &app{cfg: cfg, flag: agent.NewCancelFlag(), log: logger.Named("pilotd")}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	store, err := session.Open(ctx, session.Config{
		Driver:          cfg.Storage.Driver,
		DSN:             cfg.Storage.DSN,
		DataDir:         cfg.Runtime.DataDir,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.ConnMaxLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	a.store = store

	if err := a.buildDevice(); err != nil {
		return nil, err
	}

	registry, err := tools.NewRegistry(tools.Builtins(tools.BuiltinOptions{
		GestureTimeout: time.Duration(cfg.Agent.GestureTimeoutMillis) * time.Millisecond,
		SettleDelay:    time.Duration(cfg.Agent.SettleDelayMillis) * time.Millisecond,
		AppListLimit:   cfg.Agent.AppListLimit,
	})...)
	if err != nil {
		return nil, err
	}
	a.registry = registry

	transport, err := newTransport(cfg.Discovery)
	if err != nil {
		return nil, err
	}
	a.transport = transport

	dispatcherOpts := []tools.DispatcherOption{
		tools.WithDevice(a.device),
		tools.WithUI(a.device),
		tools.WithCancelState(a.flag),
	}
	if transport != nil {
		a.discovery = discovery.NewClient(transport,
			discovery.WithDiscoverTimeout(time.Duration(cfg.Discovery.DiscoverTimeoutMillis)*time.Millisecond),
			discovery.WithInvokeTimeout(time.Duration(cfg.Discovery.InvokeTimeoutSeconds)*time.Second),
		)
		dispatcherOpts = append(dispatcherOpts, tools.WithExternal(a.discovery))
	}
	a.dispatcher = tools.NewDispatcher(registry, dispatcherOpts...)

	if opts.withAgent {
		llmClient, timeout, err := newLLMClient(cfg.LLM)
		if err != nil {
			return nil, err
		}
		a.agent = agent.New(llmClient, a.dispatcher,
			agent.WithDevice(a.device),
			agent.WithCatalog(a.catalog),
			agent.WithSessionStore(store),
			agent.WithAlertDispatcher(newAlertDispatcher(cfg.Alerting)),
			agent.WithCancelFlag(a.flag),
			agent.WithMaxAttempts(cfg.Agent.MaxAttempts),
			agent.WithBaseDelay(cfg.Agent.BaseDelay()),
			agent.WithMaxTurns(cfg.Agent.MaxTurns),
			agent.WithLLMTimeout(timeout),
		)
	}

	ok = true
	return a, nil
}

func (a *app) buildDevice() error {
	dev := fixture.New(fixture.Spec{})
	if a.cfg.Device.Fixture != "" {
		loaded, err := fixture.Load(a.cfg.Device.Fixture)
		if err != nil {
			return err
		}
		dev = loaded
	} else {
		a.log.Warn("未配置设备夹具，使用空白屏幕")
	}
	if len(a.cfg.Device.URLSchemes) > 0 {
		dev.WithSchemes(a.cfg.Device.URLSchemes)
	}
	a.device = dev

	if a.cfg.Catalog.RulesFile == "" {
		a.catalog = catalog.New(nil)
		return nil
	}
	c, err := catalog.Load(a.cfg.Catalog.RulesFile)
	if err != nil {
		return err
	}
	a.catalog = c
	return nil
}

// discover 执行一轮发现，失败只记录日志，内置工具仍然可用。
func (a *app) discover(ctx context.Context) {
	if a.discovery == nil {
		return
	}
	providers, err := a.discovery.Discover(ctx)
	if err != nil {
		a.log.Warn("外部工具发现失败", slog.Any("error", err))
		return
	}
	a.log.Info("外部工具发现完成", slog.Int("providers", len(providers)))
}

// Close 释放存储与传输连接。
func (a *app) Close() error {
	var errs []error
	if a.transport != nil {
		errs = append(errs, a.transport.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

func newTransport(cfg config.DiscoveryConfig) (discovery.Transport, error) {
	switch cfg.Transport {
	case "none":
		return nil, nil
	case "", "memory":
		return discovery.NewMemoryTransport(), nil
	case "redis":
		return discovery.NewRedisTransport(discovery.RedisConfig{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case "rabbitmq":
		return discovery.NewRabbitMQTransport(discovery.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Exchange: cfg.RabbitMQ.Exchange,
		})
	default:
		return nil, fmt.Errorf("未知的发现传输: %s", cfg.Transport)
	}
}

// newLLMClient 按提供方创建模型客户端，同时返回单次请求的超时。
func newLLMClient(cfg config.LLMConfig) (llm.Client, time.Duration, error) {
	switch cfg.Provider {
	case "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:      cfg.OpenAI.APIKey,
			BaseURL:     cfg.OpenAI.BaseURL,
			Model:       cfg.OpenAI.Model,
			Timeout:     cfg.OpenAI.Timeout(),
			Temperature: cfg.OpenAI.Temperature,
		})
		return client, cfg.OpenAI.Timeout(), err
	case "gemini":
		client, err := gemini.NewClient(gemini.Config{
			APIKey:         cfg.Gemini.APIKey,
			BaseURL:        cfg.Gemini.BaseURL,
			Model:          cfg.Gemini.Model,
			Timeout:        cfg.Gemini.Timeout(),
			Temperature:    cfg.Gemini.Temperature,
			FlattenHistory: cfg.Gemini.FlattenHistory,
		})
		return client, cfg.Gemini.Timeout(), err
	default:
		return nil, 0, fmt.Errorf("未知的大模型 provider: %s", cfg.Provider)
	}
}

func newAlertDispatcher(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.WebhookURL, Headers: cfg.Headers})
	}
	return alerting.NewFanout(notifiers...)
}
