package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"southwinds.dev/tryst"
	"southwinds.dev/tryst/audit"
	"southwinds.dev/tryst/persist"
)

var (
	cfgFile     string
	storePath   string
	passphrase  string
	namespace   string
	core        *tryst.Core
	store       persist.Store
	peers       *tryst.StoreDirectory
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// commands that run without opening a store
var offlineCommands = map[string]bool{
	"help":         true,
	"completion":   true,
	"__complete":   true,
	"config":       true,
	"suggest":      true,
	"debug-config": true,
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tryst",
	Short: "Identity keys and end-to-end encrypted messages",
	Long: `tryst manages a passphrase protected RSA identity and seals messages for peers.

Messages are encrypted with ChaCha20-Poly1305 under a fresh session key that is
wrapped with RSA-OAEP for the recipient and signed with RSA-PSS by the sender.
Identity keys rotate on a schedule; retired keys keep decrypting for a
transition period.`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeCore,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		var errs []error
		if core != nil {
			errs = append(errs, core.Close())
		}
		if store != nil {
			errs = append(errs, store.Close())
		}
		return errors.Join(errs...)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tryst.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "path", "p", "", "path to identity storage")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "identity passphrase (or use TRYST_PASSPHRASE env var)")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "storage namespace")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, badger, s3, memory)")
	rootCmd.PersistentFlags().String("log-level", "", "diagnostic log level (debug, info, warn, error)")

	bindFlagOrPanic("tryst.path", "path")
	bindFlagOrPanic("tryst.passphrase", "passphrase")
	bindFlagOrPanic("tryst.namespace", "namespace")
	bindFlagOrPanic("tryst.store_type", "store-type")
	bindFlagOrPanic("tryst.log_level", "log-level")

	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("tryst.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("tryst.s3.region", "s3-region")
	bindFlagOrPanic("tryst.s3.bucket", "s3-bucket")
	bindFlagOrPanic("tryst.s3.prefix", "s3-prefix")
	bindFlagOrPanic("tryst.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("tryst.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("tryst.s3.use_ssl", "s3-use-ssl")

	rootCmd.AddCommand(debugConfigCmd)
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/tryst")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".tryst")
	}

	viper.SetEnvPrefix("TRYST")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("tryst.path", ".tryst")
	viper.SetDefault("tryst.namespace", "default")
	viper.SetDefault("tryst.store_type", string(persist.StoreTypeFileSystem))
	viper.SetDefault("tryst.log_level", "warn")
	viper.SetDefault("tryst.product_name", tryst.DefaultProductName)
	viper.SetDefault("tryst.message_ttl", tryst.DefaultMessageTTL)
	viper.SetDefault("tryst.clock_skew", tryst.DefaultClockSkew)
	viper.SetDefault("tryst.signature_policy", tryst.SignaturePolicyAdvisory.String())
	viper.SetDefault("tryst.decrypt_attempt_limit", tryst.DefaultDecryptAttemptLimit)
	viper.SetDefault("tryst.decrypt_window", tryst.DefaultDecryptWindow)
	viper.SetDefault("tryst.rate_limit_delay", tryst.DefaultRateLimitDelay)
	viper.SetDefault("tryst.memory_lock", false)

	viper.SetDefault("tryst.rotation.interval", tryst.DefaultRotationInterval)
	viper.SetDefault("tryst.rotation.max_previous_keys", tryst.DefaultMaxPreviousKeys)
	viper.SetDefault("tryst.rotation.transition_period", tryst.DefaultTransitionPeriod)
	viper.SetDefault("tryst.replay.capacity", tryst.DefaultReplayCapacity)
	viper.SetDefault("tryst.replay.retention", tryst.DefaultReplayRetention)

	viper.SetDefault("tryst.s3.region", "us-east-1")
	viper.SetDefault("tryst.s3.prefix", "tryst/")
	viper.SetDefault("tryst.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")

	// resolved against tryst.path in initializeCore
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeCore(cmd *cobra.Command, args []string) error {
	if offlineCommands[cmd.Name()] || (cmd.Parent() != nil && offlineCommands[cmd.Parent().Name()]) {
		return nil
	}

	storePath = viper.GetString("tryst.path")
	namespace = viper.GetString("tryst.namespace")

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	options, err := buildOptions()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err = os.MkdirAll(storePath, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err = createStore(viper.GetString("tryst.store_type"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	peers = tryst.NewStoreDirectory(store)
	core, err = tryst.New(options, store, auditLogger, peers)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("failed to initialize: %w", err)
	}
	return nil
}

// buildOptions maps the tryst.* configuration onto library options
func buildOptions() (tryst.Options, error) {
	policy, err := tryst.ParseSignaturePolicy(viper.GetString("tryst.signature_policy"))
	if err != nil {
		return tryst.Options{}, err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	level, err := logrus.ParseLevel(viper.GetString("tryst.log_level"))
	if err != nil {
		return tryst.Options{}, err
	}
	logger.SetLevel(level)

	options := tryst.Options{
		ProductName:         viper.GetString("tryst.product_name"),
		MessageTTL:          viper.GetDuration("tryst.message_ttl"),
		ClockSkew:           viper.GetDuration("tryst.clock_skew"),
		SignaturePolicy:     policy,
		DecryptAttemptLimit: viper.GetInt("tryst.decrypt_attempt_limit"),
		DecryptWindow:       viper.GetDuration("tryst.decrypt_window"),
		RateLimitDelay:      viper.GetDuration("tryst.rate_limit_delay"),
		Rotation: tryst.RotationConfig{
			Interval:         viper.GetDuration("tryst.rotation.interval"),
			MaxPreviousKeys:  viper.GetInt("tryst.rotation.max_previous_keys"),
			TransitionPeriod: viper.GetDuration("tryst.rotation.transition_period"),
		},
		Replay: tryst.ReplayConfig{
			Capacity:  viper.GetInt("tryst.replay.capacity"),
			Retention: viper.GetDuration("tryst.replay.retention"),
		},
		EnableMemoryLock: viper.GetBool("tryst.memory_lock"),
		Logger:           logger,
	}
	if cliContext != nil {
		options.UserID = cliContext.UserID
	}
	if key := os.Getenv("TRYST_REPLAY_INTEGRITY_KEY"); key != "" {
		options.Replay.IntegrityKey = []byte(key)
	}
	return options, options.Validate()
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled:   viper.GetBool("audit.enabled"),
		Namespace: viper.GetString("tryst.namespace"),
		Type:      audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createStore(storeType string) (persist.Store, error) {
	path := viper.GetString("tryst.path")
	config := persist.StoreConfig{Type: persist.StoreType(strings.ToLower(storeType))}

	switch config.Type {
	case persist.StoreTypeFileSystem, "file":
		config.Type = persist.StoreTypeFileSystem
		config.Config = map[string]interface{}{"base_path": path}

	case persist.StoreTypeBadger:
		config.Config = map[string]interface{}{"path": filepath.Join(path, "badger")}

	case persist.StoreTypeMemory:

	case persist.StoreTypeS3:
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("tryst.s3.endpoint"),
			AccessKeyID:     viper.GetString("tryst.s3.access_key_id"),
			SecretAccessKey: viper.GetString("tryst.s3.secret_access_key"),
			Bucket:          viper.GetString("tryst.s3.bucket"),
			KeyPrefix:       viper.GetString("tryst.s3.prefix"),
			UseSSL:          viper.GetBool("tryst.s3.use_ssl"),
			Region:          viper.GetString("tryst.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		config.Config = map[string]interface{}{
			"endpoint":          s3Config.Endpoint,
			"access_key_id":     s3Config.AccessKeyID,
			"secret_access_key": s3Config.SecretAccessKey,
			"bucket":            s3Config.Bucket,
			"key_prefix":        s3Config.KeyPrefix,
			"use_ssl":           s3Config.UseSSL,
			"region":            s3Config.Region,
		}

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, badger, s3, memory", storeType)
	}

	versioned, err := persist.NewStore(config, viper.GetString("tryst.namespace"))
	if err != nil {
		return nil, err
	}
	return versioned, nil
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "tryst.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "tryst.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""
	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "tryst.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "tryst.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// requirePassphrase returns the identity passphrase from flag, config or environment
func requirePassphrase() (string, error) {
	passphrase = viper.GetString("tryst.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("TRYST_PASSPHRASE")
	}
	if passphrase == "" {
		return "", fmt.Errorf("identity passphrase is required. Use --passphrase flag or TRYST_PASSPHRASE environment variable")
	}
	return passphrase, nil
}

// openSession unlocks the identity for commands that need private keys
func openSession() (*tryst.Session, error) {
	pass, err := requirePassphrase()
	if err != nil {
		return nil, err
	}
	return core.Open(pass)
}

func getStoreConfigSummary(storeType string) string {
	switch persist.StoreType(strings.ToLower(storeType)) {
	case persist.StoreTypeFileSystem, "file":
		return fmt.Sprintf("File store: path=%s", viper.GetString("tryst.path"))
	case persist.StoreTypeBadger:
		return fmt.Sprintf("Badger store: path=%s", filepath.Join(viper.GetString("tryst.path"), "badger"))
	case persist.StoreTypeMemory:
		return "Memory store: nothing is persisted"
	case persist.StoreTypeS3:
		return fmt.Sprintf("S3 store: bucket=%s, region=%s, prefix=%s",
			viper.GetString("tryst.s3.bucket"),
			viper.GetString("tryst.s3.region"),
			viper.GetString("tryst.s3.prefix"))
	default:
		return fmt.Sprintf("Unknown store type: %s", storeType)
	}
}

func isSensitiveFlag(name string) bool {
	sensitive := []string{"passphrase", "password", "secret", "key", "token"}
	lower := strings.ToLower(name)
	for _, s := range sensitive {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// getCurrentUser returns the login name, falling back to $USER and then "unknown_user"
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		log.Printf("Warning: could not get current user: %v. Falling back to 'unknown_user'.", err)
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func generateSessionID() string {
	return uuid.New().String()
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

var debugConfigCmd = &cobra.Command{
	Use:   "debug-config",
	Short: "Show current configuration values",
	Long:  "Display the current configuration values read from files, environment variables, and defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Printf("Configuration Debug Information\n")
		fmt.Printf("==============================\n\n")

		if viper.ConfigFileUsed() != "" {
			fmt.Printf("Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Printf("Config file: none found\n")
		}

		fmt.Printf("\nEnvironment Variables (TRYST_* prefix):\n")
		for _, env := range os.Environ() {
			if !strings.HasPrefix(env, "TRYST_") {
				continue
			}
			name, value, _ := strings.Cut(env, "=")
			if isSensitiveFlag(name) {
				value = "***REDACTED***"
			}
			fmt.Printf("  %s=%s\n", name, value)
		}

		storeType := viper.GetString("tryst.store_type")
		fmt.Printf("\nCurrent Configuration:\n")
		fmt.Printf("  Store Type: %s\n", storeType)
		fmt.Printf("  Path: %s\n", viper.GetString("tryst.path"))
		fmt.Printf("  Namespace: %s\n", viper.GetString("tryst.namespace"))
		fmt.Printf("  Passphrase: %s\n", setOrNot(viper.GetString("tryst.passphrase") != "" || os.Getenv("TRYST_PASSPHRASE") != ""))
		fmt.Printf("  Signature Policy: %s\n", viper.GetString("tryst.signature_policy"))
		fmt.Printf("  Message TTL: %s\n", viper.GetDuration("tryst.message_ttl"))
		fmt.Printf("  Rotation Interval: %s\n", viper.GetDuration("tryst.rotation.interval"))

		fmt.Printf("\nAudit Configuration:\n")
		fmt.Printf("  Enabled: %v\n", viper.GetBool("audit.enabled"))
		fmt.Printf("  Type: %s\n", viper.GetString("audit.type"))
		fmt.Printf("  File Path: %s\n", viper.GetString("audit.options.file_path"))

		if persist.StoreType(strings.ToLower(storeType)) == persist.StoreTypeS3 {
			fmt.Printf("\nS3 Configuration:\n")
			fmt.Printf("  Endpoint: %s\n", viper.GetString("tryst.s3.endpoint"))
			fmt.Printf("  Region: %s\n", viper.GetString("tryst.s3.region"))
			fmt.Printf("  Bucket: %s\n", viper.GetString("tryst.s3.bucket"))
			fmt.Printf("  Prefix: %s\n", viper.GetString("tryst.s3.prefix"))
			fmt.Printf("  Use SSL: %v\n", viper.GetBool("tryst.s3.use_ssl"))
			fmt.Printf("  Access Key: %s\n", setOrNot(viper.GetString("tryst.s3.access_key_id") != ""))
			fmt.Printf("  Secret Key: %s\n", setOrNot(viper.GetString("tryst.s3.secret_access_key") != ""))
		}

		fmt.Printf("\nStore Configuration Summary:\n")
		fmt.Printf("  %s\n", getStoreConfigSummary(storeType))
		return nil
	},
}

func setOrNot(set bool) string {
	if set {
		return "***SET***"
	}
	return "***NOT SET***"
}

func auditCmdStart(cmd *cobra.Command, args []string) time.Time {
	now := time.Now()
	err := auditLogger.Log("command_start", true, map[string]interface{}{
		"command":    cmd.CommandPath(),
		"args":       sanitizeArgs(args),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	})
	if err != nil {
		log.Printf("ERROR: %v\n", err)
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil {
		_ = auditLogger.Log("command_complete", err == nil, map[string]interface{}{
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"success":     err == nil,
			"error":       formatError(err),
			"error_class": string(tryst.ErrorClass(err)),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
		})
	}
	return err
}

func formatError(err error) string {
	if err == nil {
		return ""
	}

	var messages []string
	for err != nil {
		messages = append(messages, err.Error())
		err = errors.Unwrap(err)
	}

	if len(messages) > 1 {
		uniqueMessages := make([]string, 0, len(messages))
		seen := make(map[string]bool)
		for _, msg := range messages {
			if !seen[msg] {
				uniqueMessages = append(uniqueMessages, msg)
				seen[msg] = true
			}
		}
		if len(uniqueMessages) > 1 {
			return fmt.Sprintf("Error: %s (caused by: %s)",
				uniqueMessages[0],
				strings.Join(uniqueMessages[1:], " -> "))
		}
	}

	message := messages[0]
	if len(message) > 0 {
		first := string(message[0])
		if first != strings.ToUpper(first) {
			message = strings.ToUpper(first) + message[1:]
		}
	}
	return fmt.Sprintf("Error: %s", message)
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			if isSensitiveFlag(flag.Name) {
				flags[flag.Name] = "[REDACTED]"
			} else {
				flags[flag.Name] = flag.Value.String()
			}
		}
	})
	return flags
}

// sanitizeArgs redacts arguments that look like armored blocks or key material
func sanitizeArgs(args []string) []string {
	sanitized := make([]string, len(args))
	for i, arg := range args {
		if containsSensitiveData(arg) {
			sanitized[i] = "[REDACTED]"
		} else {
			sanitized[i] = arg
		}
	}
	return sanitized
}

func containsSensitiveData(arg string) bool {
	return strings.Contains(arg, "-----BEGIN") || len(arg) > 256
}
