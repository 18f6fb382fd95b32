package mediasource

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// TLSConfig controls TLS behaviour for the Redis connection backing the
// media-source bus.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures a Redis Pub/Sub-backed Bus.
type RedisConfig struct {
	Addr             string
	Addrs            []string
	Username         string
	Password         string
	MediaChangedTopic string
	NoReadersTopic   string
	Logger           *slog.Logger
	DialTimeout      time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PoolSize         int
	MasterName       string
	TLS              TLSConfig
}

const (
	defaultMediaChangedTopic = "transcode:media-changed"
	defaultNoReadersTopic    = "transcode:no-readers"
)

type redisBus struct {
	client            redis.UniversalClient
	mediaChangedTopic string
	noReadersTopic    string
	logger            *slog.Logger
}

// NewRedisBus connects to Redis and returns a Bus backed by its native
// Pub/Sub commands. The caller is responsible for ensuring the Redis
// instance is reachable; unlike the chat queue's Streams+consumer-group
// usage, Pub/Sub events that arrive with no active subscriber are simply
// lost, which matches this bus's "no persisted task state" contract.
func NewRedisBus(cfg RedisConfig) (Bus, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	mediaChangedTopic := strings.TrimSpace(cfg.MediaChangedTopic)
	if mediaChangedTopic == "" {
		mediaChangedTopic = defaultMediaChangedTopic
	}
	noReadersTopic := strings.TrimSpace(cfg.NoReadersTopic)
	if noReadersTopic == "" {
		noReadersTopic = defaultNoReadersTopic
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &redisBus{
		client:            client,
		mediaChangedTopic: mediaChangedTopic,
		noReadersTopic:    noReadersTopic,
		logger:            logger,
	}, nil
}

func (b *redisBus) PublishMediaChanged(ctx context.Context, event MediaChangedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal media-changed event: %w", err)
	}
	return b.client.Publish(ctx, b.mediaChangedTopic, payload).Err()
}

func (b *redisBus) PublishNoReaders(ctx context.Context, event NoReadersEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal no-readers event: %w", err)
	}
	return b.client.Publish(ctx, b.noReadersTopic, payload).Err()
}

func (b *redisBus) SubscribeMediaChanged(ctx context.Context) (<-chan MediaChangedEvent, error) {
	sub := b.client.Subscribe(ctx, b.mediaChangedTopic)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.mediaChangedTopic, err)
	}
	out := make(chan MediaChangedEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event MediaChangedEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("media-changed decode failed", "error", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *redisBus) SubscribeNoReaders(ctx context.Context) (<-chan NoReadersEvent, error) {
	sub := b.client.Subscribe(ctx, b.noReadersTopic)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.noReadersTopic, err)
	}
	out := make(chan NoReadersEvent)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event NoReadersEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("no-readers decode failed", "error", err)
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
