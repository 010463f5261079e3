package nats

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	AuditStream   = "LIS_AUDIT"
	AuditSubjects = "lis.audit.>"
	StatsBucket   = "LIS_STATS"
)

// AuditSubject is the subject an audit action is published on.
func AuditSubject(action string) string {
	return "lis.audit." + action
}

type EmbeddedServer struct {
	server *server.Server
	nc     *nats.Conn
	js     jetstream.JetStream
	stats  jetstream.KeyValue
	logger *zap.Logger
}

func NewEmbeddedServer(dataDir string, logger *zap.Logger) (*EmbeddedServer, error) {
	logger = logger.With(zap.String("component", "nats"))
	opts := &server.Options{
		JetStream: true,
		StoreDir:  filepath.Join(dataDir, "nats-store"),
		Port:      -1, // random port, in-process clients only
		HTTPPort:  -1,
		NoSigs:    true,
	}

	if err := os.MkdirAll(opts.StoreDir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}
	ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("nats server not ready")
	}
	logger.Info("embedded NATS server started", zap.String("client_url", ns.ClientURL()))

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	es := &EmbeddedServer{
		server: ns,
		nc:     nc,
		js:     js,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := es.createStreams(ctx); err != nil {
		es.Shutdown()
		return nil, err
	}
	if err := es.createKVStore(ctx); err != nil {
		es.Shutdown()
		return nil, err
	}
	return es, nil
}

func (es *EmbeddedServer) createStreams(ctx context.Context) error {
	_, err := es.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        AuditStream,
		Description: "Audit events of instrument results and reconciliation",
		Subjects:    []string{AuditSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      30 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		MaxMsgs:     5000000,
		MaxBytes:    10 * 1024 * 1024 * 1024, // 10GB
		// publishers set Nats-Msg-Id to the audit event id
		Duplicates: 10 * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", AuditStream, err)
	}
	es.logger.Info("stream ready", zap.String("stream", AuditStream))
	return nil
}

func (es *EmbeddedServer) createKVStore(ctx context.Context) error {
	kv, err := es.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      StatsBucket,
		Description: "Audit action counters",
		History:     1,
		MaxBytes:    1024 * 1024, // 1MB
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create %s bucket: %w", StatsBucket, err)
	}
	es.stats = kv
	es.logger.Info("KV bucket ready", zap.String("bucket", StatsBucket))
	return nil
}

func (es *EmbeddedServer) JetStream() jetstream.JetStream {
	return es.js
}

func (es *EmbeddedServer) Connection() *nats.Conn {
	return es.nc
}

func (es *EmbeddedServer) Stats() jetstream.KeyValue {
	return es.stats
}

func (es *EmbeddedServer) Shutdown() {
	if es.nc != nil {
		es.nc.Close()
	}
	if es.server != nil {
		es.server.Shutdown()
		es.server.WaitForShutdown()
	}
	es.logger.Info("embedded NATS server stopped")
}
