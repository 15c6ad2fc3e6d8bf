package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"southwinds.dev/tryst"
	"southwinds.dev/tryst/persist"
)

// configKey describes one supported configuration setting
type configKey struct {
	description string
	validate    func(value string) error
}

var configKeys = map[string]configKey{
	"tryst.store_type":                  {"Storage backend type (filesystem, badger, s3, memory)", oneOf("filesystem", "file", "badger", "s3", "memory")},
	"tryst.path":                        {"Path to identity storage (filesystem and badger stores)", nil},
	"tryst.namespace":                   {"Storage namespace", nil},
	"tryst.passphrase":                  {"Identity passphrase", nil},
	"tryst.log_level":                   {"Diagnostic log level (debug, info, warn, error)", oneOf("trace", "debug", "info", "warn", "warning", "error")},
	"tryst.product_name":                {"Label inside armored message lines", nil},
	"tryst.message_ttl":                 {"Default message lifetime", isDuration},
	"tryst.clock_skew":                  {"Tolerated future timestamp skew", isDuration},
	"tryst.signature_policy":            {"Unverified sender handling (advisory, required)", oneOf("advisory", "required")},
	"tryst.decrypt_attempt_limit":       {"Decryption attempts allowed per window (0 disables)", isInt},
	"tryst.decrypt_window":              {"Decryption rate limit window", isDuration},
	"tryst.rate_limit_delay":            {"Delay imposed once the attempt budget is spent", isDuration},
	"tryst.memory_lock":                 {"Lock process memory to keep keys out of swap", isBool},
	"tryst.rotation.interval":           {"Identity key rotation interval", isDuration},
	"tryst.rotation.max_previous_keys":  {"Retired keys kept for decryption", isInt},
	"tryst.rotation.transition_period":  {"How long retired keys keep decrypting", isDuration},
	"tryst.replay.capacity":             {"Maximum replay ledger entries", isInt},
	"tryst.replay.retention":            {"Replay ledger retention", isDuration},
	"tryst.s3.endpoint":                 {"S3 endpoint URL", nil},
	"tryst.s3.bucket":                   {"S3 bucket name", nil},
	"tryst.s3.region":                   {"S3 region", nil},
	"tryst.s3.prefix":                   {"S3 key prefix", nil},
	"tryst.s3.use_ssl":                  {"Use SSL for S3 connections", isBool},
	"tryst.s3.access_key_id":            {"S3 access key ID", nil},
	"tryst.s3.secret_access_key":        {"S3 secret access key", nil},
	"audit.enabled":                     {"Enable audit logging", isBool},
	"audit.type":                        {"Audit logger type (file, syslog)", oneOf("file", "syslog")},
	"audit.log_level":                   {"Audit log level", nil},
	"audit.options.file_path":           {"Audit log file path", nil},
	"audit.options.max_size":            {"Audit log size in MB before rotation", isInt},
	"audit.options.max_backups":         {"Rotated audit logs to keep", isInt},
}

func oneOf(values ...string) func(string) error {
	return func(value string) error {
		for _, v := range values {
			if strings.EqualFold(v, value) {
				return nil
			}
		}
		return fmt.Errorf("must be one of: %s", strings.Join(values, ", "))
	}
}

func isDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("must be a duration such as 24h or 90m")
	}
	if d < 0 {
		return fmt.Errorf("cannot be negative")
	}
	return nil
}

func isInt(value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("must be an integer")
	}
	if n < 0 {
		return fmt.Errorf("cannot be negative")
	}
	return nil
}

func isBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true or false")
	}
	return nil
}

func getConfigFilePath(global bool) string {
	if global {
		return "/etc/tryst/.tryst.yaml"
	}
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tryst.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

// convertStringValue keeps durations as strings so viper can parse them later
func convertStringValue(value string) interface{} {
	if b, err := strconv.ParseBool(value); err == nil && (value == "true" || value == "false") {
		return b
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	return value
}

func getConfigTemplate(template string) map[string]interface{} {
	base := map[string]interface{}{
		"tryst": map[string]interface{}{
			"store_type": string(persist.StoreTypeFileSystem),
			"path":       ".tryst",
			"namespace":  "default",
		},
	}
	if template == "minimal" {
		return base
	}

	audit := map[string]interface{}{
		"enabled": false,
		"type":    "file",
		"options": map[string]interface{}{
			"file_path": "audit.log",
		},
	}
	base["audit"] = audit
	if template != "full" {
		return base
	}

	t := base["tryst"].(map[string]interface{})
	t["log_level"] = "warn"
	t["product_name"] = tryst.DefaultProductName
	t["message_ttl"] = tryst.DefaultMessageTTL.String()
	t["clock_skew"] = tryst.DefaultClockSkew.String()
	t["signature_policy"] = tryst.SignaturePolicyAdvisory.String()
	t["decrypt_attempt_limit"] = tryst.DefaultDecryptAttemptLimit
	t["decrypt_window"] = tryst.DefaultDecryptWindow.String()
	t["rate_limit_delay"] = tryst.DefaultRateLimitDelay.String()
	t["memory_lock"] = false
	t["rotation"] = map[string]interface{}{
		"interval":          tryst.DefaultRotationInterval.String(),
		"max_previous_keys": tryst.DefaultMaxPreviousKeys,
		"transition_period": tryst.DefaultTransitionPeriod.String(),
	}
	t["replay"] = map[string]interface{}{
		"capacity":  tryst.DefaultReplayCapacity,
		"retention": tryst.DefaultReplayRetention.String(),
	}
	t["s3"] = map[string]interface{}{
		"endpoint": "",
		"bucket":   "",
		"region":   "us-east-1",
		"prefix":   "tryst/",
		"use_ssl":  true,
	}
	audit["log_level"] = "info"
	audit["options"].(map[string]interface{})["max_size"] = 100
	audit["options"].(map[string]interface{})["max_backups"] = 5
	return base
}

// validateConfiguration checks every known key and the combined options
func validateConfiguration() []string {
	var problems []string

	keys := make([]string, 0, len(configKeys))
	for key := range configKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		spec := configKeys[key]
		if spec.validate == nil || !viper.IsSet(key) {
			continue
		}
		if err := spec.validate(viper.GetString(key)); err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", key, err))
		}
	}

	if persist.StoreType(viper.GetString("tryst.store_type")) == persist.StoreTypeS3 {
		if err := validateS3Config(persist.S3Config{
			Bucket:          viper.GetString("tryst.s3.bucket"),
			Region:          viper.GetString("tryst.s3.region"),
			AccessKeyID:     viper.GetString("tryst.s3.access_key_id"),
			SecretAccessKey: viper.GetString("tryst.s3.secret_access_key"),
		}); err != nil {
			problems = append(problems, err.Error())
		}
	}

	if viper.GetBool("audit.enabled") && viper.GetString("audit.type") == "file" &&
		viper.GetString("audit.options.file_path") == "" {
		problems = append(problems, "audit file path is required when using file audit")
	}

	if len(problems) == 0 {
		if _, err := buildOptions(); err != nil {
			problems = append(problems, err.Error())
		}
	}
	return problems
}

func viperNamespace() string {
	return viper.GetString("tryst.namespace")
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" && viper.InConfig(key) {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		if os.Getenv("TRYST_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}
	return nil
}

func printConfig(format string) error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	var data []byte
	var err error
	switch format {
	case "json":
		data, err = json.MarshalIndent(config, "", "  ")
		data = append(data, '\n')
	case "yaml":
		data, err = yaml.Marshal(config)
	case "table":
		return printConfigTable()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printConfigKeys(format string) error {
	descriptions := make(map[string]string, len(configKeys))
	for key, spec := range configKeys {
		descriptions[key] = spec.description
	}

	switch format {
	case "json":
		data, err := json.MarshalIndent(descriptions, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(descriptions)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
	case "table":
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tDESCRIPTION")
		fmt.Fprintln(w, "---\t-----------")
		keys := make([]string, 0, len(descriptions))
		for key := range descriptions {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(w, "%s\t%s\n", key, descriptions[key])
		}
		return w.Flush()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sensitive := range []string{"passphrase", "password", "secret", "access_key", "token"} {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

// promptConfirmation prompts the user for yes/no confirmation
func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}
