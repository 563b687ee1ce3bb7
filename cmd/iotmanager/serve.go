package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nerrad567/iotmanager/internal/api"
	"github.com/nerrad567/iotmanager/internal/audit"
	"github.com/nerrad567/iotmanager/internal/buildinfo"
	"github.com/nerrad567/iotmanager/internal/device"
	"github.com/nerrad567/iotmanager/internal/infrastructure/broker"
	"github.com/nerrad567/iotmanager/internal/infrastructure/config"
	"github.com/nerrad567/iotmanager/internal/infrastructure/database"
	"github.com/nerrad567/iotmanager/internal/infrastructure/influxdb"
	"github.com/nerrad567/iotmanager/internal/infrastructure/logging"
	"github.com/nerrad567/iotmanager/internal/infrastructure/mqtt"
)

// healthCheckTimeout bounds the startup infrastructure health check.
const healthCheckTimeout = 5 * time.Second

// deviceStore is the opened device repository plus what else the selected
// driver provides.
type deviceStore struct {
	repo  device.Repository
	db    *database.DB // nil for the bolt driver
	close func() error
}

// serve runs the service until ctx is cancelled.
func serve(ctx context.Context, configFlag string) error {
	log := logging.Default()
	log.Info("starting IoT Manager",
		"version", buildinfo.Version,
		"commit", buildinfo.Commit,
		"build_date", buildinfo.Date,
	)

	cfg, err := loadConfig(configFlag, log)
	if err != nil {
		return err
	}

	log = logging.New(cfg.Logging, buildinfo.Version)
	log.Info("logger initialised", "level", cfg.Logging.Level, "format", cfg.Logging.Format)

	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing device store")
		if closeErr := store.close(); closeErr != nil {
			log.Error("error closing device store", "error", closeErr)
		}
	}()

	var brokerStats api.BrokerStats
	if cfg.Broker.Enabled {
		b, brokerErr := broker.New(cfg.Broker, cfg.MQTT.Auth, log.With("component", "broker").Logger)
		if brokerErr != nil {
			return fmt.Errorf("creating embedded broker: %w", brokerErr)
		}
		if brokerErr = b.Start(); brokerErr != nil {
			return fmt.Errorf("starting embedded broker: %w", brokerErr)
		}
		defer func() {
			log.Info("stopping embedded broker")
			if closeErr := b.Close(); closeErr != nil {
				log.Error("error stopping embedded broker", "error", closeErr)
			}
		}()
		log.Info("embedded MQTT broker listening", "address", b.Address())
		brokerStats = b
	}

	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetOnConnect(func() { log.Info("MQTT connected") })
	mqttClient.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"topic_prefix", mqttClient.Topics().Prefix(),
	)

	var telemetry api.Telemetry
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			// Telemetry is optional; keep serving without it.
			log.Warn("InfluxDB unavailable, telemetry disabled", "error", influxErr)
		} else {
			defer func() {
				log.Info("closing InfluxDB")
				if closeErr := influxClient.Close(); closeErr != nil {
					log.Error("error closing InfluxDB", "error", closeErr)
				}
			}()
			influxClient.SetOnError(func(err error) { log.Warn("InfluxDB write failed", "error", err) })
			telemetry = influxClient
			log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
		}
	}

	registry := device.NewRegistry(store.repo)
	registry.SetLogger(log.With("component", "registry"))
	dispatcher := device.NewDispatcher(mqttClient, registry, mqttClient.Topics(), mqttClient.QoS())
	dispatcher.SetLogger(log.With("component", "dispatcher"))
	registry.SetSubscriber(dispatcher)

	if err := registry.RefreshCache(ctx); err != nil {
		return fmt.Errorf("loading device registry: %w", err)
	}
	serials, err := registry.Serials(ctx)
	if err != nil {
		return fmt.Errorf("listing device serials: %w", err)
	}
	restored, err := dispatcher.RestoreSubscriptions(ctx, serials)
	if err != nil {
		log.Warn("some device subscriptions failed", "restored", restored, "total", len(serials), "error", err)
	}
	log.Info("device registry initialised", "devices", registry.GetDeviceCount(), "subscribed", restored)

	var auditRepo audit.Repository
	switch {
	case !cfg.Audit.Enabled:
	case store.db == nil:
		log.Warn("audit trail requires the sqlite driver, disabled", "driver", cfg.Database.Driver)
	default:
		auditRepo = audit.NewSQLiteRepository(store.db.DB)
	}

	srv, err := api.New(api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Logger:     log.With("component", "api"),
		Registry:   registry,
		Dispatcher: dispatcher,
		MQTT:       mqttClient,
		DB:         store.db,
		AuditRepo:  auditRepo,
		Telemetry:  telemetry,
		Broker:     brokerStats,
		Version:    buildinfo.Version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	dispatcher.SetMessageHandler(srv.HandleDeviceMessage)

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := srv.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	if err := healthCheck(checkCtx, store, mqttClient); err != nil {
		log.Warn("startup health check failed", "error", err)
	}
	cancel()

	log.Info("IoT Manager ready",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"driver", cfg.Database.Driver,
	)

	<-ctx.Done()
	log.Info("shutdown signal received")
	return nil
}

// openStore opens the device repository for the configured driver. The
// sqlite driver is migrated to the latest schema.
func openStore(ctx context.Context, cfg config.DatabaseConfig, log *logging.Logger) (*deviceStore, error) {
	switch cfg.Driver {
	case config.DriverBolt:
		repo, err := device.OpenBoltRepository(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("opening bolt store: %w", err)
		}
		log.Info("bolt device store opened", "path", repo.Path())
		return &deviceStore{repo: repo, close: repo.Close}, nil

	default:
		db, err := openDatabase(cfg)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			db.Close() //nolint:errcheck // Best effort cleanup on error path
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database connected", "path", db.Path())
		return &deviceStore{repo: device.NewSQLiteRepository(db.DB), db: db, close: db.Close}, nil
	}
}

func openDatabase(cfg config.DatabaseConfig) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Path,
		WALMode:     cfg.WALMode,
		BusyTimeout: cfg.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// healthCheck verifies the store and MQTT connection respond.
func healthCheck(ctx context.Context, store *deviceStore, mqttClient *mqtt.Client) error {
	if store.db != nil {
		if err := store.db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	return nil
}
