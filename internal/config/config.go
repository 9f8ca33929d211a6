// Package config resolves the settings of one run. Values come from, in
// increasing priority, compiled defaults, grocery.json5 (and its .local
// override), the retailers.<id> section of that file, GROCERY_* env
// variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"grocery-ingest/internal/retailers"
	"grocery-ingest/lib/configutil"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultFile   = "grocery.json5"
	DefaultDB     = "grocery.db"
	EnvPrefix     = "GROCERY"
	defaultLogDir = "logs"
)

type Browser struct {
	RemoteURL string `mapstructure:"remote_url"`
	Bin       string `mapstructure:"bin"`
	Headless  bool   `mapstructure:"headless"`
}

type Enrich struct {
	Enabled   bool   `mapstructure:"enabled"`
	URL       string `mapstructure:"url"`
	Token     string `mapstructure:"token"`
	BatchSize int    `mapstructure:"batch_size"`
}

type Barcode struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
	// Limit is how many products one backfill run looks at.
	Limit int `mapstructure:"limit"`
}

type Notify struct {
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

func (n Notify) Enabled() bool {
	return n.SMTPHost != "" && len(n.To) > 0
}

type Settings struct {
	Retailer string `mapstructure:"-"`

	DB                string        `mapstructure:"db"`
	StoreID           string        `mapstructure:"store_id"`
	DryRun            bool          `mapstructure:"dry_run"`
	MaxItems          int           `mapstructure:"max_items"`
	Delay             time.Duration `mapstructure:"delay"`
	DelayVariance     time.Duration `mapstructure:"delay_variance"`
	Verbose           bool          `mapstructure:"verbose"`
	Cookies           string        `mapstructure:"cookies"`
	CookiesFile       string        `mapstructure:"cookies_file"`
	SkipDetails       bool          `mapstructure:"skip_details"`
	FetchUPC          bool          `mapstructure:"fetch_upc"`
	StartFromCategory int           `mapstructure:"start_from_category"`
	Output            string        `mapstructure:"output"`

	// BaseURL replaces the retailer's base url, for mirrors and staging.
	BaseURL    string   `mapstructure:"base_url"`
	SessionDir string   `mapstructure:"session_dir"`
	LogDir     string   `mapstructure:"log_dir"`
	DumpDir    string   `mapstructure:"dump_dir"`
	UserAgent  string   `mapstructure:"user_agent"`
	Proxies    []string `mapstructure:"proxies"`
	// FlushEvery is how many records the snapshot writer buffers.
	FlushEvery int `mapstructure:"flush_every"`

	// Retailer specific values such as api_key, read by the adapter
	// through retailers.Options.
	APIKey string `mapstructure:"api_key"`

	Browser Browser `mapstructure:"browser"`
	Enrich  Enrich  `mapstructure:"enrich"`
	Barcode Barcode `mapstructure:"barcode"`
	Notify  Notify  `mapstructure:"notify"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db", DefaultDB)
	v.SetDefault("store_id", "")
	v.SetDefault("dry_run", false)
	v.SetDefault("max_items", 0)
	v.SetDefault("delay", time.Duration(0))
	v.SetDefault("delay_variance", time.Duration(0))
	v.SetDefault("verbose", false)
	v.SetDefault("cookies", "")
	v.SetDefault("cookies_file", "")
	v.SetDefault("skip_details", false)
	v.SetDefault("fetch_upc", false)
	v.SetDefault("start_from_category", 0)
	v.SetDefault("output", "")
	v.SetDefault("base_url", "")
	v.SetDefault("session_dir", ".cookies")
	v.SetDefault("log_dir", defaultLogDir)
	v.SetDefault("dump_dir", "")
	v.SetDefault("user_agent", "")
	v.SetDefault("proxies", []string{})
	v.SetDefault("flush_every", 100)
	v.SetDefault("api_key", "")

	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.headless", true)

	v.SetDefault("enrich.enabled", false)
	v.SetDefault("enrich.url", "")
	v.SetDefault("enrich.token", "")
	v.SetDefault("enrich.batch_size", 1000)

	v.SetDefault("barcode.url", "")
	v.SetDefault("barcode.token", "")
	v.SetDefault("barcode.limit", 1000)

	v.SetDefault("notify.smtp_host", "")
	v.SetDefault("notify.smtp_port", 587)
	v.SetDefault("notify.username", "")
	v.SetDefault("notify.password", "")
	v.SetDefault("notify.from", "")
	v.SetDefault("notify.to", []string{})
}

type LoadOptions struct {
	// Path is the config file, when empty DefaultFile is searched for from
	// the working directory upwards.
	Path     string
	Retailer string
	Flags    *pflag.FlagSet
	// EnvFiles are dotenv files loaded before the environment is read.
	EnvFiles []string
}

func readFile(path string) (map[string]any, error) {
	var (
		values map[string]any
		err    error
	)
	if path != "" {
		values, err = configutil.ReadConfig[map[string]any](path)
	} else {
		values, err = configutil.ReadRecursively[map[string]any](DefaultFile)
	}
	if errors.Is(err, os.ErrNotExist) && path == "" {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return values, nil
}

func retailerSection(values map[string]any, retailer string) map[string]any {
	sections, ok := values["retailers"].(map[string]any)
	if !ok {
		return nil
	}
	section, _ := sections[strings.ToLower(retailer)].(map[string]any)
	return section
}

// FlagKey is the settings key a flag binds to, "store-id" binds to
// "store_id".
func FlagKey(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

func Load(opts LoadOptions) (Settings, error) {
	err := configutil.LoadEnv(opts.EnvFiles...)
	if err != nil {
		return Settings{}, err
	}

	v := viper.New()
	setDefaults(v)

	values, err := readFile(opts.Path)
	if err != nil {
		return Settings{}, err
	}
	err = v.MergeConfigMap(values)
	if err != nil {
		return Settings{}, fmt.Errorf("merge config: %w", err)
	}
	if section := retailerSection(values, opts.Retailer); section != nil {
		err = v.MergeConfigMap(section)
		if err != nil {
			return Settings{}, fmt.Errorf("merge %s config: %w", opts.Retailer, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.Retailer != "" {
		def, err := retailers.Lookup(opts.Retailer)
		if err != nil {
			return Settings{}, err
		}
		// retailer env names such as TARGET_API_KEY fill keys nothing
		// else set, flags still win over them
		for key, env := range def.Settings {
			value := os.Getenv(env)
			if value != "" && v.GetString(key) == "" {
				v.SetDefault(key, value)
			}
		}
	}

	if opts.Flags != nil {
		var bindErr error
		opts.Flags.VisitAll(func(f *pflag.Flag) {
			if bindErr == nil {
				bindErr = v.BindPFlag(FlagKey(f.Name), f)
			}
		})
		if bindErr != nil {
			return Settings{}, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var out Settings
	err = v.Unmarshal(&out)
	if err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	out.Retailer = strings.ToLower(opts.Retailer)
	return out, out.validate()
}

func (s Settings) validate() error {
	switch {
	case s.MaxItems < 0:
		return fmt.Errorf("max_items must not be negative, got %d", s.MaxItems)
	case s.StartFromCategory < 0:
		return fmt.Errorf("start_from_category must not be negative, got %d", s.StartFromCategory)
	case s.Delay < 0 || s.DelayVariance < 0:
		return fmt.Errorf("delays must not be negative")
	case s.Enrich.Enabled && s.Enrich.URL == "":
		return fmt.Errorf("enrich.url is required when enrichment is enabled (set %s_ENRICH_URL)", EnvPrefix)
	}
	return nil
}

// RetailerOptions are the adapter options of the settings.
func (s Settings) RetailerOptions() retailers.Options {
	settings := map[string]string{}
	if s.APIKey != "" {
		settings["api_key"] = s.APIKey
	}
	return retailers.Options{
		StoreID:     s.StoreID,
		SkipDetails: s.SkipDetails,
		Settings:    settings,
	}
}
