package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"

	"github.com/zombor/receipt-wallet/internal/auth"
	"github.com/zombor/receipt-wallet/internal/receipt"
	"github.com/zombor/receipt-wallet/internal/scanning"
	"github.com/zombor/receipt-wallet/internal/wallet"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if cfg.showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Fatal error", "error", err)
		stop()
		os.Exit(1)
	}
}

type config struct {
	port              int
	dbPath            string
	storagePath       string
	scannerType       string
	geminiKey         string
	geminiModel       string
	ollamaURL         string
	ollamaModel       string
	callTimeout       time.Duration
	callRetries       int
	fraudCheck        bool
	currency          string
	backgroundTimeout time.Duration
	authSecret        string
	authIssuer        string
	authAudience      string
	defaultUser       string
	showVersion       bool
	wallet            wallet.Config
}

// parseConfig reads flags from args and RECEIPT_WALLET_* environment variables
func parseConfig(args []string) (config, error) {
	fs := ff.NewFlagSet("receipt-wallet")
	var (
		port              = fs.IntLong("port", 8080, "HTTP server port")
		dbPath            = fs.StringLong("db", "receipt-wallet.db", "Database file path")
		storagePath       = fs.StringLong("storage", "./media", "Upload storage directory path")
		scannerType       = fs.StringLong("scanner", "gemini", "Extraction backend: 'gemini' or 'ollama'")
		geminiKey         = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel       = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL         = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel       = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl)")
		callTimeout       = fs.DurationLong("extraction-timeout", 60*time.Second, "Timeout for a single extraction call")
		callRetries       = fs.IntLong("extraction-retries", 0, "Retries after a failed extraction call")
		fraudCheck        = fs.BoolLong("fraud-check", "Reject uploads the fraud check flags with high confidence")
		currency          = fs.StringLong("currency", "₹", "Currency symbol shown on receipt passes")
		backgroundTimeout = fs.DurationLong("background-timeout", 5*time.Minute, "Timeout for background warranty and return scans")
		authSecret        = fs.StringLong("auth-secret", "", "HS256 secret for bearer tokens; empty serves a single local user")
		authIssuer        = fs.StringLong("auth-issuer", "", "Required token issuer (optional)")
		authAudience      = fs.StringLong("auth-audience", "", "Required token audience (optional)")
		defaultUser       = fs.StringLong("default-user", "local", "User id when no auth secret is set")
		walletIssuer      = fs.StringLong("wallet-issuer-id", "", "Google Wallet issuer id")
		walletAccount     = fs.StringLong("wallet-service-account-email", "", "Google Wallet service account email")
		walletKey         = fs.StringLong("wallet-private-key", "", "Google Wallet service account private key (PEM)")
		appURL            = fs.StringLong("app-url", "", "Public URL of the app, used for pass links (required for passes)")
		showVersion       = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("RECEIPT_WALLET"),
	); err != nil {
		return config{}, fmt.Errorf("%s\nerror: %w", ffhelp.Flags(fs), err)
	}

	return config{
		port:              *port,
		dbPath:            *dbPath,
		storagePath:       *storagePath,
		scannerType:       *scannerType,
		geminiKey:         *geminiKey,
		geminiModel:       *geminiModel,
		ollamaURL:         *ollamaURL,
		ollamaModel:       *ollamaModel,
		callTimeout:       *callTimeout,
		callRetries:       *callRetries,
		fraudCheck:        *fraudCheck,
		currency:          *currency,
		backgroundTimeout: *backgroundTimeout,
		authSecret:        *authSecret,
		authIssuer:        *authIssuer,
		authAudience:      *authAudience,
		defaultUser:       *defaultUser,
		showVersion:       *showVersion,
		wallet: wallet.Config{
			IssuerID:            *walletIssuer,
			ServiceAccountEmail: *walletAccount,
			PrivateKey:          *walletKey,
			AppURL:              *appURL,
		},
	}, nil
}

// run wires every component and serves until ctx is cancelled
func run(ctx context.Context, cfg config) error {
	// Initialize database
	slog.Info("Initializing database...")
	db, err := receipt.NewBoltDB(cfg.dbPath)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}
	extractor := scanning.NewClient(backend,
		scanning.WithCallTimeout(cfg.callTimeout),
		scanning.WithRetries(uint64(max(cfg.callRetries, 0)), time.Second),
	)
	defer extractor.Close()

	// Initialize storage
	slog.Info("Initializing storage...")
	store, err := receipt.NewLocalStorage(cfg.storagePath)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}

	authenticator, err := auth.New(cfg.authSecret, cfg.authIssuer, cfg.authAudience, cfg.defaultUser)
	if err != nil {
		return fmt.Errorf("initializing authentication: %w", err)
	}

	// Wallet configuration is validated when a pass is requested
	issuer := wallet.NewIssuer(func() wallet.Config { return cfg.wallet }, wallet.RS256Signer{})

	notices := receipt.NewNotifications()
	background := receipt.NewBackground(notices, receipt.WithTaskTimeout(cfg.backgroundTimeout))

	receiptService := receipt.NewService(db, extractor, store,
		receipt.WithReporter(notices),
		receipt.WithBackground(background),
		receipt.WithFraudCheck(cfg.fraudCheck),
		receipt.WithPassIssuer(issuer),
		receipt.WithCurrencySymbol(cfg.currency),
	)

	server := receipt.NewServer(receiptService, authenticator)

	addr := fmt.Sprintf(":%d", cfg.port)
	slog.Info("Server starting", "address", fmt.Sprintf("http://localhost%s", addr), "version", version)
	serveErr := server.Run(ctx, addr)

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := background.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Background tasks did not finish", "error", err)
	}
	return serveErr
}

// newBackend initializes the extraction backend named by cfg.scannerType
func newBackend(ctx context.Context, cfg config) (scanning.Backend, error) {
	switch cfg.scannerType {
	case "gemini":
		apiKey := cfg.geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			return nil, errors.New("gemini API key is required: set --gemini-key or GEMINI_API_KEY")
		}
		slog.Info("Initializing Gemini backend...", "model", cfg.geminiModel)
		backend, err := scanning.NewGemini(ctx, apiKey, cfg.geminiModel)
		if err != nil {
			return nil, fmt.Errorf("initializing gemini: %w", err)
		}
		return backend, nil
	case "ollama":
		slog.Info("Initializing Ollama backend...", "url", cfg.ollamaURL, "model", cfg.ollamaModel)
		backend, err := scanning.NewOllama(cfg.ollamaURL, cfg.ollamaModel)
		if err != nil {
			return nil, fmt.Errorf("initializing ollama: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("invalid scanner type %q: valid values are gemini or ollama", cfg.scannerType)
	}
}
