package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	fbapp "firebase.google.com/go/v4"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"

	"github.com/03AlAmine/jokko-agro/internal/adapter/api"
	"github.com/03AlAmine/jokko-agro/internal/adapter/api/handler"
	"github.com/03AlAmine/jokko-agro/internal/adapter/api/middleware"
	"github.com/03AlAmine/jokko-agro/internal/adapter/repository"
	"github.com/03AlAmine/jokko-agro/internal/adapter/repository/memory"
	domainrepo "github.com/03AlAmine/jokko-agro/internal/domain/repository"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/firebase"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/lock"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/ratelimit"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/storage"
	"github.com/03AlAmine/jokko-agro/internal/infrastructure/websocket"
	"github.com/03AlAmine/jokko-agro/internal/usecase"
	"github.com/03AlAmine/jokko-agro/pkg/config"
	"github.com/03AlAmine/jokko-agro/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

var (
	servePort    string
	serveOrigins string
)

func init() {
	serveCmd.Flags().StringVarP(&servePort, "port", "p", "", "listen port (overrides SERVER_PORT)")
	serveCmd.Flags().StringVar(&serveOrigins, "origins", os.Getenv("ALLOWED_ORIGINS"), "comma-separated origins allowed for CORS and websocket upgrades")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long:  "Start the HTTP and websocket server. The store backend, Redis lock and attachment bucket are taken from the environment.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if servePort != "" {
			cfg.ServerPort = servePort
		}
		logger.Setup(cfg.Environment, cfg.LogLevel)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return serve(ctx, cfg)
	},
}

// backend is everything the server needs from the outside world. Optional
// pieces stay nil when not configured.
type backend struct {
	conversations domainrepo.ConversationRepository
	messages      domainrepo.MessageRepository
	blocks        domainrepo.BlockRepository
	verifier      middleware.TokenVerifier
	authChecker   handler.AuthChecker
	closers       []func() error
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warn("Shutdown: close failed: %v", err)
		}
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.close()

	locker, err := openLocker(ctx, cfg, b)
	if err != nil {
		return err
	}

	var uploader handler.AttachmentUploader
	if cfg.StorageBucket != "" {
		storageClient, err := storage.NewCloudStorageClient(ctx, cfg.StorageBucket, cfg.CredentialsFile)
		if err != nil {
			return fmt.Errorf("failed to initialize Cloud Storage: %w", err)
		}
		b.closers = append(b.closers, storageClient.Close)
		uploader = storageClient
	} else {
		logger.Warn("STORAGE_BUCKET not set, attachment uploads are disabled")
	}

	clk := clock.New()
	sessions := usecase.NewSessionManager(b.conversations, b.messages, b.blocks, locker, clk, cfg.Sync)
	defer sessions.CloseAll()

	wsManager := websocket.NewManager(sessions)
	wsManager.Start(ctx)
	sessions.SetPublisher(wsManager)

	limiter := ratelimit.NewRateLimiter(clk)
	limiter.StartCleanupRoutine(ctx, 10*time.Minute)

	e := api.NewServer(api.ServerOptions{
		Environment:    cfg.Environment,
		AllowedOrigins: splitOrigins(serveOrigins),
		Sessions:       sessions,
		WebSocket:      wsManager,
		Limiter:        limiter,
		Verifier:       b.verifier,
		AuthChecker:    b.authChecker,
		Uploader:       uploader,
		RequestLogging: cfg.IsDevelopment(),
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server on port %s (store: %s)", cfg.ServerPort, cfg.StoreBackend)
		if err := e.Start(":" + cfg.ServerPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	if cfg.StoreBackend == config.StoreMemory {
		if !cfg.IsDevelopment() {
			logger.Warn("Using the in-memory store outside development, data is lost on restart")
		}
		store := memory.NewStore(nil)
		return &backend{
			conversations: store.Conversations(),
			messages:      store.Messages(),
			blocks:        store.Blocks(),
		}, nil
	}

	opt := credentialsOption(cfg)

	firebaseApp, err := fbapp.NewApp(ctx, &fbapp.Config{ProjectID: cfg.FirebaseProject}, opt...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase: %w", err)
	}

	authClient, err := firebaseApp.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Firebase Auth: %w", err)
	}

	firestoreClient, err := firestore.NewClient(ctx, cfg.FirebaseProject, opt...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	firebaseAuthClient := firebase.NewFirebaseAuthClient(authClient)
	return &backend{
		conversations: repository.NewFirestoreConversationRepository(firestoreClient),
		messages:      repository.NewFirestoreMessageRepository(firestoreClient),
		blocks:        repository.NewFirestoreBlockRepository(firestoreClient),
		verifier:      firebaseAuthClient,
		authChecker:   firebaseAuthClient,
		closers:       []func() error{firestoreClient.Close},
	}, nil
}

// credentialsOption prefers an inline service account (production), then a
// credentials file, then application default credentials.
func credentialsOption(cfg *config.Config) []option.ClientOption {
	if serviceAccountJSON := os.Getenv("FIREBASE_SERVICE_ACCOUNT_JSON"); serviceAccountJSON != "" {
		logger.Info("Using Firebase service account from environment variable")
		return []option.ClientOption{option.WithCredentialsJSON([]byte(serviceAccountJSON))}
	}
	if cfg.CredentialsFile != "" {
		logger.Info("Using Firebase service account from file: %s", cfg.CredentialsFile)
		return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
	}
	return nil
}

func openLocker(ctx context.Context, cfg *config.Config, b *backend) (lock.Locker, error) {
	if cfg.RedisAddr == "" {
		return lock.NewLocalLocker(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
	}
	b.closers = append(b.closers, client.Close)

	logger.Info("Using redis pair lock at %s", cfg.RedisAddr)
	return lock.NewRedisLocker(client, "jokko:pair:"), nil
}

func splitOrigins(s string) []string {
	var out []string
	for _, origin := range strings.Split(s, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}
