package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/relaychat/internal/httpapi"
	"github.com/agentworkforce/relaychat/internal/relaychat"
)

func main() {
	// Missing .env is fine; the environment wins either way.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("could not load .env: %v", err)
	}

	addr := os.Getenv("RELAYCHAT_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	token := strings.TrimSpace(os.Getenv("RELAYCHAT_SLACK_TOKEN"))
	if token == "" {
		log.Fatalf("RELAYCHAT_SLACK_TOKEN is required")
	}

	logger := log.Default()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := relaychat.NewHTTPChatClient(relaychat.ChatClientOptions{
		Token:          token,
		BaseURL:        os.Getenv("RELAYCHAT_SLACK_API_URL"),
		PageSize:       intEnv("RELAYCHAT_PAGE_SIZE", 0),
		CallsPerSecond: floatEnv("RELAYCHAT_CALLS_PER_SECOND", 0),
	})

	allowlist := buildAllowlistFromEnv(ctx, logger)

	networkClient := relaychat.NewHTTPNetworkClient(relaychat.NetworkClientOptions{
		BaseURL:   os.Getenv("RELAYCHAT_NETWORK_URL"),
		Token:     os.Getenv("RELAYCHAT_NETWORK_TOKEN"),
		UserAgent: "relaychat",
	})

	var network relaychat.Network = networkClient
	if queueDSN := strings.TrimSpace(os.Getenv("RELAYCHAT_QUEUE_DSN")); queueDSN != "" {
		queue, err := relaychat.BuildEnvelopeQueueFromDSN(queueDSN, intEnv("RELAYCHAT_QUEUE_SIZE", 0))
		if err != nil {
			log.Fatalf("failed to initialize envelope queue: %v", err)
		}
		queued, err := relaychat.NewQueuedNetwork(relaychat.QueuedNetworkOptions{
			Queue:       queue,
			Next:        networkClient,
			Logger:      logger,
			MaxAttempts: intEnv("RELAYCHAT_QUEUE_MAX_ATTEMPTS", 0),
			RetryDelay:  durationEnv("RELAYCHAT_QUEUE_RETRY_DELAY", 0),
		})
		if err != nil {
			log.Fatalf("failed to initialize queued network: %v", err)
		}
		go queued.Run(ctx)
		network = queued
	}

	checkpointDSN := strings.TrimSpace(os.Getenv("RELAYCHAT_CHECKPOINT_DSN"))
	if checkpointDSN == "" {
		checkpointDSN = "file://.relaychat/checkpoint.json"
	}
	checkpoint, err := relaychat.BuildCheckpointFromDSN(checkpointDSN)
	if err != nil {
		log.Fatalf("failed to initialize checkpoint store: %v", err)
	}
	defer checkpoint.Close()

	normalizer, err := relaychat.NewNormalizer(network, allowlist, logger)
	if err != nil {
		log.Fatalf("failed to initialize normalizer: %v", err)
	}
	resolver, err := relaychat.NewResolver(client, logger)
	if err != nil {
		log.Fatalf("failed to initialize resolver: %v", err)
	}

	scanner, err := relaychat.NewScanner(relaychat.ScannerOptions{
		Client:     client,
		Network:    network,
		Checkpoint: checkpoint,
		Channels:   allowlist.Snapshot(),
		StartTS:    strings.TrimSpace(os.Getenv("RELAYCHAT_START_TS")),
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("failed to initialize scanner: %v", err)
	}
	scan := relaychat.StartScan(ctx, scanner)
	go func() {
		<-scan.Done()
		if err := scan.Err(); err != nil {
			logger.Printf("backfill scan failed: %v", err)
			return
		}
		logger.Printf("backfill scan completed")
	}()

	if socketURL := strings.TrimSpace(os.Getenv("RELAYCHAT_SOCKET_URL")); socketURL != "" {
		source, err := relaychat.NewSocketSource(relaychat.SocketSourceOptions{
			URL:        socketURL,
			Normalizer: normalizer,
			Logger:     logger,
		})
		if err != nil {
			log.Fatalf("failed to initialize socket source: %v", err)
		}
		go func() {
			if err := source.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("socket source stopped: %v", err)
			}
		}()
	}

	server, err := httpapi.NewServer(httpapi.ServerOptions{
		Normalizer:    normalizer,
		Resolver:      resolver,
		Records:       networkClient,
		Scan:          scan,
		Logger:        logger,
		SigningSecret: os.Getenv("RELAYCHAT_SIGNING_SECRET"),
		MaxSkew:       durationEnv("RELAYCHAT_SIGNATURE_MAX_SKEW", 5*time.Minute),
		MaxBodyBytes:  int64Env("RELAYCHAT_MAX_BODY_BYTES", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize server: %v", err)
	}

	log.Printf("relaychat listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildAllowlistFromEnv(ctx context.Context, logger *log.Logger) *relaychat.Allowlist {
	if path := strings.TrimSpace(os.Getenv("RELAYCHAT_ALLOWLIST_FILE")); path != "" {
		ids, err := relaychat.LoadAllowlistFile(path)
		if err != nil {
			log.Fatalf("failed to load allowlist file: %v", err)
		}
		allowlist := relaychat.NewAllowlist(ids)
		if err := allowlist.WatchFile(ctx, path, logger); err != nil {
			log.Fatalf("failed to watch allowlist file: %v", err)
		}
		return allowlist
	}
	return relaychat.NewAllowlist(relaychat.ParseAllowlist(os.Getenv("RELAYCHAT_CHANNELS")))
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %g", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
