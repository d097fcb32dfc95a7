package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Moey28/Dune-data-market-collection/internal/dune"
	"github.com/Moey28/Dune-data-market-collection/internal/output"
	"github.com/Moey28/Dune-data-market-collection/internal/runner"
)

// EnvPrefix is prepended to every key when read from the environment:
// api-key becomes DUNE_API_KEY, query-id becomes DUNE_QUERY_ID.
const EnvPrefix = "DUNE"

// Keys shared by flags, environment and config file.
const (
	KeyBaseURL         = "base-url"
	KeyAPIKey          = "api-key"
	KeyQueryID         = "query-id"
	KeySQL             = "sql"
	KeyParam           = "param"
	KeyPerformance     = "performance"
	KeyPollInterval    = "poll-interval"
	KeyTimeout         = "timeout"
	KeyCancelOnTimeout = "cancel-on-timeout"
	KeyOutputDir       = "output-dir"
	KeyFilePrefix      = "file-prefix"
	KeyCompression     = "compression"
	KeyHistoryDB       = "history-db"
	KeyMetricsFile     = "metrics-file"
	KeyUpload          = "upload"
	KeyAzureAccount    = "azure-account"
	KeyAzureKey        = "azure-key"
	KeyAzureContainer  = "azure-container"
	KeyAzureServiceURL = "azure-service-url"
	KeyS3Endpoint      = "s3-endpoint"
	KeyS3Region        = "s3-region"
	KeyS3Bucket        = "s3-bucket"
	KeyS3AccessKey     = "s3-access-key"
	KeyS3SecretKey     = "s3-secret-key"
	KeyS3UseSSL        = "s3-use-ssl"
	KeyS3Prefix        = "s3-prefix"
)

// Upload kinds.
const (
	UploadNone   = ""
	UploadAzblob = "azblob"
	UploadS3     = "s3"
)

type Config struct {
	BaseURL         string
	APIKey          string
	QueryID         string
	SQL             string
	Parameters      map[string]string
	Performance     string
	PollInterval    time.Duration
	Timeout         time.Duration
	CancelOnTimeout bool
	OutputDir       string
	FilePrefix      string
	Compression     output.Compression
	HistoryDB       string
	MetricsFile     string
	Upload          UploadConfig
}

type UploadConfig struct {
	Kind  string
	Azure AzureConfig
	S3    S3Config
}

type AzureConfig struct {
	AccountName string
	AccountKey  string
	Container   string
	ServiceURL  string
}

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Prefix          string
}

// Error is a configuration problem detected before any network call.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return strings.Join(e.Problems, "; ")
}

// RegisterQueryFlags adds the flags that select what to execute.
func RegisterQueryFlags(fs *pflag.FlagSet) {
	fs.String(KeyBaseURL, dune.DefaultBaseURL, "Dune API base URL")
	fs.String(KeyAPIKey, "", "Dune API key (env DUNE_API_KEY)")
	fs.String(KeyQueryID, "", "Stored query id to execute (env DUNE_QUERY_ID)")
	fs.String(KeySQL, "", "Raw SQL to execute instead of a stored query (env DUNE_SQL)")
	fs.StringSlice(KeyParam, nil, "Query parameter as key=value, repeatable")
	fs.String(KeyPerformance, "", "Execution tier (medium, large)")
	fs.Duration(KeyPollInterval, runner.DefaultPollInterval, "Wait between status polls")
	fs.Duration(KeyTimeout, runner.DefaultTimeout, "Give up waiting for the execution after this long")
	fs.Bool(KeyCancelOnTimeout, false, "Cancel the remote execution when the timeout is hit")
}

// RegisterOutputFlags adds the flags that control where results go.
func RegisterOutputFlags(fs *pflag.FlagSet) {
	fs.String(KeyOutputDir, output.DefaultDir, "Directory to save result files")
	fs.String(KeyFilePrefix, output.DefaultPrefix, "File name prefix for result files")
	fs.String(KeyCompression, string(output.CompressionNone), "Result file compression (none, gzip, zstd, lz4)")
	fs.String(KeyHistoryDB, "", "SQLite file recording every run (disabled when empty)")
	fs.String(KeyMetricsFile, "", "Prometheus textfile to write run metrics to (disabled when empty)")
	RegisterUploadFlags(fs)
}

// RegisterUploadFlags adds the object storage flags.
func RegisterUploadFlags(fs *pflag.FlagSet) {
	fs.String(KeyUpload, UploadNone, "Upload saved results to object storage (azblob, s3)")
	fs.String(KeyAzureAccount, "", "Azure Storage account name")
	fs.String(KeyAzureKey, "", "Azure Storage account access key")
	fs.String(KeyAzureContainer, "", "Azure Blob Storage container name")
	fs.String(KeyAzureServiceURL, "", "Azure Blob service URL (defaults to https://<account>.blob.core.windows.net/)")
	fs.String(KeyS3Endpoint, "", "S3 endpoint host[:port]")
	fs.String(KeyS3Region, "", "S3 region")
	fs.String(KeyS3Bucket, "", "S3 bucket")
	fs.String(KeyS3AccessKey, "", "S3 access key id")
	fs.String(KeyS3SecretKey, "", "S3 secret access key")
	fs.Bool(KeyS3UseSSL, true, "Use TLS for S3")
	fs.String(KeyS3Prefix, "", "Key prefix inside the S3 bucket")
}

// NewViper binds fs and the DUNE_ environment, and reads configFile when set.
// Precedence is flag, then environment, then config file, then flag default.
func NewViper(fs *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load reads a Config out of v. It does not validate.
func Load(v *viper.Viper) (Config, error) {
	var problems []string

	pollInterval, err := durationValue(v, KeyPollInterval, runner.DefaultPollInterval)
	if err != nil {
		problems = append(problems, err.Error())
	}
	timeout, err := durationValue(v, KeyTimeout, runner.DefaultTimeout)
	if err != nil {
		problems = append(problems, err.Error())
	}
	params, err := parseParams(v.GetStringSlice(KeyParam))
	if err != nil {
		problems = append(problems, err.Error())
	}
	compression, err := output.ParseCompression(v.GetString(KeyCompression))
	if err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return Config{}, &Error{Problems: problems}
	}

	return Config{
		BaseURL:         strings.TrimSpace(v.GetString(KeyBaseURL)),
		APIKey:          strings.TrimSpace(v.GetString(KeyAPIKey)),
		QueryID:         strings.TrimSpace(v.GetString(KeyQueryID)),
		SQL:             v.GetString(KeySQL),
		Parameters:      params,
		Performance:     strings.ToLower(strings.TrimSpace(v.GetString(KeyPerformance))),
		PollInterval:    pollInterval,
		Timeout:         timeout,
		CancelOnTimeout: v.GetBool(KeyCancelOnTimeout),
		OutputDir:       stringOr(v.GetString(KeyOutputDir), output.DefaultDir),
		FilePrefix:      stringOr(v.GetString(KeyFilePrefix), output.DefaultPrefix),
		Compression:     compression,
		HistoryDB:       strings.TrimSpace(v.GetString(KeyHistoryDB)),
		MetricsFile:     strings.TrimSpace(v.GetString(KeyMetricsFile)),
		Upload:          loadUpload(v),
	}, nil
}

func loadUpload(v *viper.Viper) UploadConfig {
	return UploadConfig{
		Kind: strings.ToLower(strings.TrimSpace(v.GetString(KeyUpload))),
		Azure: AzureConfig{
			AccountName: strings.TrimSpace(v.GetString(KeyAzureAccount)),
			AccountKey:  v.GetString(KeyAzureKey),
			Container:   strings.TrimSpace(v.GetString(KeyAzureContainer)),
			ServiceURL:  strings.TrimSpace(v.GetString(KeyAzureServiceURL)),
		},
		S3: S3Config{
			Endpoint:        strings.TrimSpace(v.GetString(KeyS3Endpoint)),
			Region:          strings.TrimSpace(v.GetString(KeyS3Region)),
			Bucket:          strings.TrimSpace(v.GetString(KeyS3Bucket)),
			AccessKeyID:     strings.TrimSpace(v.GetString(KeyS3AccessKey)),
			SecretAccessKey: v.GetString(KeyS3SecretKey),
			UseSSL:          v.GetBool(KeyS3UseSSL),
			Prefix:          strings.TrimSpace(v.GetString(KeyS3Prefix)),
		},
	}
}

// ValidateAPIKey is the check every command that talks to Dune needs.
func (c Config) ValidateAPIKey() error {
	if c.APIKey == "" {
		return &Error{Problems: []string{"Missing DUNE_API_KEY secret"}}
	}
	return nil
}

// Validate checks everything a full run needs.
func (c Config) Validate() error {
	var problems []string
	if c.APIKey == "" {
		problems = append(problems, "Missing DUNE_API_KEY secret")
	}
	hasQuery, hasSQL := c.QueryID != "", strings.TrimSpace(c.SQL) != ""
	switch {
	case !hasQuery && !hasSQL:
		problems = append(problems, "Missing DUNE_QUERY_ID or DUNE_SQL variable")
	case hasQuery && hasSQL:
		problems = append(problems, "DUNE_QUERY_ID and DUNE_SQL are mutually exclusive")
	}
	if hasSQL && len(c.Parameters) > 0 {
		problems = append(problems, "query parameters only apply to a stored query")
	}
	switch c.Performance {
	case "", dune.PerformanceMedium, dune.PerformanceLarge:
	default:
		problems = append(problems, fmt.Sprintf("unsupported performance tier %q (medium, large)", c.Performance))
	}
	if c.PollInterval <= 0 {
		problems = append(problems, "poll interval must be positive")
	}
	if c.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if err := c.Upload.Validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return &Error{Problems: problems}
	}
	return nil
}

// Validate checks that the selected upload target is fully described.
func (u UploadConfig) Validate() error {
	var missing []string
	switch u.Kind {
	case UploadNone:
		return nil
	case UploadAzblob:
		if u.Azure.AccountName == "" {
			missing = append(missing, KeyAzureAccount)
		}
		if u.Azure.AccountKey == "" {
			missing = append(missing, KeyAzureKey)
		}
		if u.Azure.Container == "" {
			missing = append(missing, KeyAzureContainer)
		}
	case UploadS3:
		if u.S3.Endpoint == "" {
			missing = append(missing, KeyS3Endpoint)
		}
		if u.S3.Bucket == "" {
			missing = append(missing, KeyS3Bucket)
		}
	default:
		return fmt.Errorf("unsupported upload target %q (azblob, s3)", u.Kind)
	}
	if len(missing) > 0 {
		return fmt.Errorf("upload %s requires %s", u.Kind, strings.Join(missing, ", "))
	}
	return nil
}

// ExecuteRequest is what the runner submits.
func (c Config) ExecuteRequest() dune.ExecuteRequest {
	return dune.ExecuteRequest{
		QueryID:     c.QueryID,
		SQL:         c.SQL,
		Parameters:  c.Parameters,
		Performance: c.Performance,
	}
}

// IsConfigError reports whether err is a configuration problem.
func IsConfigError(err error) bool {
	var cfgErr *Error
	return errors.As(err, &cfgErr)
}

// durationValue accepts Go durations ("90s", "2m") and bare integers, which
// are read as seconds.
func durationValue(v *viper.Viper, key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return fallback, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func parseParams(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]string)
	for _, item := range raw {
		for _, pair := range strings.Split(item, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			key, value, ok := strings.Cut(pair, "=")
			key = strings.TrimSpace(key)
			if !ok || key == "" {
				return nil, fmt.Errorf("invalid %s %q: want key=value", KeyParam, pair)
			}
			params[key] = strings.TrimSpace(value)
		}
	}
	if len(params) == 0 {
		return nil, nil
	}
	return params, nil
}

func stringOr(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return strings.TrimSpace(s)
}
