// Command server starts the video vault HTTP API: it opens the Postgres
// document store and Redis client, wires the job queue, blob store, token
// service, media adapter, realtime hub, and processing worker, then serves
// the HTTP router until it receives a shutdown signal.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"videovault/internal/api"
	"videovault/internal/blobstore"
	"videovault/internal/media"
	"videovault/internal/observability/logging"
	"videovault/internal/observability/metrics"
	"videovault/internal/queue"
	"videovault/internal/realtime"
	"videovault/internal/server"
	"videovault/internal/store"
	"videovault/internal/tokens"
	"videovault/internal/worker"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")

	databaseURL := flag.String("database-url", "", "Postgres connection string")
	redisURL := flag.String("redis-url", "", "Redis connection string backing the job queue and rate limiter")

	accessSecret := flag.String("access-secret", "", "HMAC secret for access tokens")
	refreshSecret := flag.String("refresh-secret", "", "HMAC secret for refresh tokens")
	accessTTL := flag.Duration("access-ttl", 0, "access token lifetime")
	refreshTTL := flag.Duration("refresh-ttl", 0, "refresh token lifetime")
	bcryptCost := flag.Int("bcrypt-cost", 0, "bcrypt cost for password hashing")

	frontendOrigin := flag.String("frontend-origin", "", "comma separated origins allowed to call the API with credentials")

	blobEndpoint := flag.String("blob-endpoint", "", "S3-compatible endpoint (empty selects AWS S3)")
	blobRegion := flag.String("blob-region", "", "object storage region")
	blobAccessKey := flag.String("blob-access-key", "", "object storage access key")
	blobSecretKey := flag.String("blob-secret-key", "", "object storage secret key")
	blobBucket := flag.String("blob-bucket", "", "object storage bucket name")
	blobUseSSL := flag.Bool("blob-use-ssl", false, "use TLS for the object storage endpoint")

	ffprobePath := flag.String("ffprobe-path", "", "path to the ffprobe binary")
	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")

	maxVideoSizeMB := flag.Int("max-video-size-mb", 0, "maximum accepted upload size in megabytes")
	allowedFormats := flag.String("allowed-formats", "", "comma separated container formats accepted by the Upload Handler (mp4, mov, ...)")

	rateGlobalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	rateGlobalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	rateAuthLimit := flag.Int("rate-auth-limit", 0, "maximum auth attempts per window for a single client")
	rateAuthWindow := flag.Duration("rate-auth-window", 0, "window for counting auth attempts")
	rateUploadLimit := flag.Int("rate-upload-limit", 0, "maximum uploads per window for a single subject")
	rateUploadWindow := flag.Duration("rate-upload-window", 0, "window for counting uploads")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	trustedProxies := flag.String("rate-trusted-proxies", "", "comma separated CIDR blocks or IPs of trusted proxies")

	workerConcurrency := flag.Int("worker-concurrency", 0, "number of concurrent processing job slots")
	processingTimeout := flag.Duration("processing-timeout", 0, "per-attempt processing timeout")
	workDir := flag.String("work-dir", "", "scratch directory for downloaded originals during processing")

	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")

	flag.Parse()

	logger := logging.Init(logging.Config{Level: firstNonEmpty(*logLevel, os.Getenv("VIDEOVAULT_LOG_LEVEL"))})
	auditLogger := logging.WithComponent(logger, "audit")
	metrics.SetAppInfo("dev", runtimeGoVersion())

	serverMode := modeValue(*mode, os.Getenv("VIDEOVAULT_MODE"))
	listenAddr := firstNonEmpty(*addr, os.Getenv("VIDEOVAULT_ADDR"), defaultListenForMode(serverMode))

	dsn := firstNonEmpty(*databaseURL, os.Getenv("VIDEOVAULT_DATABASE_URL"), os.Getenv("DATABASE_URL"))
	if dsn == "" {
		logger.Error("no database configured: set --database-url or VIDEOVAULT_DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancelBoot := context.WithTimeout(context.Background(), 30*time.Second)
	docStore, err := store.Open(ctx, dsn)
	cancelBoot()
	if err != nil {
		logger.Error("failed to open document store", "error", err)
		os.Exit(1)
	}

	redisAddr := firstNonEmpty(*redisURL, os.Getenv("VIDEOVAULT_REDIS_URL"))
	if redisAddr == "" {
		logger.Error("no redis configured: set --redis-url or VIDEOVAULT_REDIS_URL")
		os.Exit(1)
	}
	redisOptions, err := parseRedisURL(redisAddr)
	if err != nil {
		logger.Error("invalid redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOptions)
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Error("failed to reach redis", "error", err)
		os.Exit(1)
	}

	jobQueue, err := queue.New(queue.Config{
		Client:       redisClient,
		Logger:       logging.WithComponent(logger, "queue"),
		MaxAttempts:  3,
		BackoffBase:  5 * time.Second,
		BlockTimeout: 5 * time.Second,
	})
	if err != nil {
		logger.Error("failed to configure job queue", "error", err)
		os.Exit(1)
	}

	accessSecretValue := firstNonEmpty(*accessSecret, os.Getenv("VIDEOVAULT_ACCESS_SECRET"))
	refreshSecretValue := firstNonEmpty(*refreshSecret, os.Getenv("VIDEOVAULT_REFRESH_SECRET"))
	if accessSecretValue == "" || refreshSecretValue == "" {
		logger.Error("access and refresh secrets are required: set VIDEOVAULT_ACCESS_SECRET and VIDEOVAULT_REFRESH_SECRET")
		os.Exit(1)
	}
	tokenService, err := tokens.NewService(accessSecretValue, refreshSecretValue,
		tokens.WithAccessTTL(resolveDuration(*accessTTL, "VIDEOVAULT_ACCESS_TTL", tokens.DefaultAccessTTL)),
		tokens.WithRefreshTTL(resolveDuration(*refreshTTL, "VIDEOVAULT_REFRESH_TTL", tokens.DefaultRefreshTTL)),
	)
	if err != nil {
		logger.Error("failed to configure token service", "error", err)
		os.Exit(1)
	}
	resolvedBcryptCost := resolveInt(*bcryptCost, "VIDEOVAULT_BCRYPT_COST")

	blobCfg := blobstore.Config{
		Bucket:    firstNonEmpty(*blobBucket, os.Getenv("VIDEOVAULT_BLOB_BUCKET")),
		Region:    firstNonEmpty(*blobRegion, os.Getenv("VIDEOVAULT_BLOB_REGION")),
		Endpoint:  firstNonEmpty(*blobEndpoint, os.Getenv("VIDEOVAULT_BLOB_ENDPOINT")),
		AccessKey: firstNonEmpty(*blobAccessKey, os.Getenv("VIDEOVAULT_BLOB_ACCESS_KEY")),
		SecretKey: firstNonEmpty(*blobSecretKey, os.Getenv("VIDEOVAULT_BLOB_SECRET_KEY")),
		UseSSL:    resolveBool(*blobUseSSL, "VIDEOVAULT_BLOB_USE_SSL"),
	}
	blobCtx, cancelBlob := context.WithTimeout(context.Background(), 15*time.Second)
	blobStore, err := blobstore.New(blobCtx, blobCfg)
	cancelBlob()
	if err != nil {
		logger.Error("failed to configure blob store", "error", err)
		os.Exit(1)
	}

	mediaTool := media.New(
		firstNonEmpty(*ffprobePath, os.Getenv("VIDEOVAULT_FFPROBE_PATH")),
		firstNonEmpty(*ffmpegPath, os.Getenv("VIDEOVAULT_FFMPEG_PATH")),
		resolveDuration(*processingTimeout, "VIDEOVAULT_PROCESSING_TIMEOUT", 5*time.Minute),
	)

	hub := realtime.New(tokenService, logging.WithComponent(logger, "realtime"))

	limits := api.UploadLimits{
		MaxVideoSizeMB: resolveInt(*maxVideoSizeMB, "VIDEOVAULT_MAX_VIDEO_SIZE_MB"),
		AllowedFormats: splitAndTrim(firstNonEmpty(*allowedFormats, os.Getenv("VIDEOVAULT_ALLOWED_FORMATS"))),
	}
	if limits.MaxVideoSizeMB <= 0 {
		limits.MaxVideoSizeMB = 2048
	}
	if len(limits.AllowedFormats) == 0 {
		limits.AllowedFormats = []string{"mp4", "mov", "mkv", "webm", "avi"}
	}

	handler := api.New(docStore, jobQueue, blobStore, tokenService, hub, limits, logger, auditLogger)
	handler.BcryptCost = resolvedBcryptCost

	attemptTimeout := resolveDuration(*processingTimeout, "VIDEOVAULT_PROCESSING_TIMEOUT", 5*time.Minute)
	workerPool := worker.New(worker.Config{
		Store:          docStore,
		Queue:          jobQueue,
		Blob:           blobStore,
		Media:          mediaTool,
		Hub:            hub,
		Concurrency:    resolveInt(*workerConcurrency, "VIDEOVAULT_WORKER_CONCURRENCY"),
		AttemptTimeout: attemptTimeout,
		WorkDir:        firstNonEmpty(*workDir, os.Getenv("VIDEOVAULT_WORK_DIR")),
		Logger:         logging.WithComponent(logger, "worker"),
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go workerPool.Run(workerCtx)

	stalledSweepStop := startStalledJobSweeper(workerCtx, logging.WithComponent(logger, "stalled-sweeper"), jobQueue, attemptTimeout, attemptTimeout)
	defer stalledSweepStop()

	rateCfg := server.RateLimitConfig{
		GlobalRPS:             resolveFloat(*rateGlobalRPS, "VIDEOVAULT_RATE_GLOBAL_RPS"),
		GlobalBurst:           resolveInt(*rateGlobalBurst, "VIDEOVAULT_RATE_GLOBAL_BURST"),
		AuthLimit:             resolveIntDefault(*rateAuthLimit, "VIDEOVAULT_RATE_AUTH_LIMIT", 5),
		AuthWindow:            resolveDuration(*rateAuthWindow, "VIDEOVAULT_RATE_AUTH_WINDOW", 15*time.Minute),
		UploadLimit:           resolveInt(*rateUploadLimit, "VIDEOVAULT_RATE_UPLOAD_LIMIT"),
		UploadWindow:          resolveDuration(*rateUploadWindow, "VIDEOVAULT_RATE_UPLOAD_WINDOW", time.Hour),
		TrustForwardedHeaders: resolveBool(*trustForwarded, "VIDEOVAULT_RATE_TRUST_FORWARDED_HEADERS"),
		TrustedProxies:        splitAndTrim(firstNonEmpty(*trustedProxies, os.Getenv("VIDEOVAULT_RATE_TRUSTED_PROXIES"))),
		Redis: server.RedisStoreConfig{
			Addr:    redisOptions.Addr,
			Timeout: 2 * time.Second,
		},
	}

	corsCfg := server.CORSConfig{
		Origins: splitAndTrim(firstNonEmpty(*frontendOrigin, os.Getenv("VIDEOVAULT_FRONTEND_ORIGIN"))),
	}

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("VIDEOVAULT_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("VIDEOVAULT_TLS_KEY")),
	}

	srv, err := server.New(handler, hub, server.Config{
		Addr:        listenAddr,
		TLS:         tlsCfg,
		RateLimit:   rateCfg,
		CORS:        corsCfg,
		Logger:      logger,
		AuditLogger: auditLogger,
		// The configured upload ceiling plus slack for multipart framing
		// and the text fields that ride along with the file part.
		MaxBodyBytes: int64(limits.MaxVideoSizeMB)*1024*1024 + 1<<20,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	serverDone := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		defer close(serverDone)
		logger.Info("video vault API listening", "addr", listenAddr, "mode", serverMode)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(serverCtx, 10*time.Second, nil); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	serverCancel()
	<-serverDone
	workerCancel()
	stalledSweepStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to stop realtime hub", "error", err)
	}
	if err := redisClient.Close(); err != nil {
		logger.Warn("failed to close redis client", "error", err)
	}
	docStore.Close()

	logger.Info("server stopped")
}

func parseRedisURL(raw string) (*redis.Options, error) {
	if strings.Contains(raw, "://") {
		return redis.ParseURL(raw)
	}
	return &redis.Options{Addr: raw}, nil
}

func runtimeGoVersion() string {
	return strings.TrimPrefix(os.Getenv("GOVERSION"), "go")
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveIntDefault(flagValue int, envKey string, fallback int) int {
	if v := resolveInt(flagValue, envKey); v > 0 {
		return v
	}
	return fallback
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
