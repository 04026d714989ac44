package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the lookup pipeline needs. It is built once at
// startup and passed into constructors; nothing reads it from package state.
type Config struct {
	Site      SiteConfig     `yaml:"site"`
	Selectors SelectorConfig `yaml:"selectors"`
	Timeouts  TimeoutConfig  `yaml:"timeouts"`
	Browser   BrowserConfig  `yaml:"browser"`
	Output    OutputConfig   `yaml:"output"`
	Sheets    SheetsConfig   `yaml:"sheets"`
	Bot       BotConfig      `yaml:"bot"`
	Database  DatabaseConfig `yaml:"database"`
}

// SiteConfig describes the fee viewer and how its form frame is recognised.
type SiteConfig struct {
	BaseURL string `yaml:"base_url"`
	AcctKey string `yaml:"acct_key"`

	// FramePathFragment is matched case-insensitively against frame URLs.
	FramePathFragment string `yaml:"frame_path_fragment"`
	FrameName         string `yaml:"frame_name"`
	FrameNameContains string `yaml:"frame_name_contains"`

	LoadingText string `yaml:"loading_text"`
}

// SelectorConfig lists candidate selectors per logical field, tried in order.
type SelectorConfig struct {
	ServiceDate     []string `yaml:"service_date"`
	ProcedureCode   []string `yaml:"procedure_code"`
	ZipCode         []string `yaml:"zip_code"`
	Percentile      []string `yaml:"percentile"`
	Submit          []string `yaml:"submit"`
	SubmitFallback  []string `yaml:"submit_fallback"`
	ResultContainer string   `yaml:"result_container"`
}

// TimeoutConfig bounds every wait in the pipeline.
type TimeoutConfig struct {
	Navigation     time.Duration `yaml:"navigation"`
	FramePoll      time.Duration `yaml:"frame_poll"`
	FrameAttempts  int           `yaml:"frame_attempts"`
	FrameLastTry   time.Duration `yaml:"frame_last_try"`
	PerSelector    time.Duration `yaml:"per_selector"`
	PercentileOpen time.Duration `yaml:"percentile_open"`
	Settle         time.Duration `yaml:"settle"`
	Result         time.Duration `yaml:"result"`
	ResultFloor    time.Duration `yaml:"result_floor"`
	LoadingPoll    time.Duration `yaml:"loading_poll"`
}

// BrowserConfig controls how Chrome is launched.
type BrowserConfig struct {
	Headless    bool   `yaml:"headless"`
	Bin         string `yaml:"bin"`
	UserDataDir string `yaml:"user_data_dir"`
	Stealth     bool   `yaml:"stealth"`
	RemoteURL   string `yaml:"remote_url"`
}

// OutputConfig controls optional artifacts written during a batch.
type OutputConfig struct {
	SnapshotDir string `yaml:"snapshot_dir"`
}

// SheetsConfig configures the optional Google Sheets report.
type SheetsConfig struct {
	SpreadsheetURL  string `yaml:"spreadsheet_url"`
	CredentialsPath string `yaml:"credentials_path"`
}

// BotConfig configures the Telegram front end.
type BotConfig struct {
	Token        string        `yaml:"token"`
	AllowedUsers []int64       `yaml:"allowed_users"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DatabaseConfig configures the Postgres job store.
type DatabaseConfig struct {
	URL    string `yaml:"url"`
	Schema string `yaml:"schema"`
}

// Default returns the configuration that matches the live fee viewer.
func Default() *Config {
	return &Config{
		Site: SiteConfig{
			BaseURL:           "https://www.feeinfo.com/DecisionPointUCR/",
			FramePathFragment: "/welcome.html/getbody",
			FrameName:         "middle",
			FrameNameContains: "body",
			LoadingText:       "Loading your estimated charge",
		},
		Selectors: SelectorConfig{
			ServiceDate: []string{
				`input[name="serviceDate"]`,
				`input[name="Sdate"]`,
				`#serviceDate`,
				`#servicedate`,
				`input[placeholder*="Service"]`,
			},
			ProcedureCode: []string{
				`input[name="procedureCode"]`,
				`input[name="cpt"]`,
				`#procedureCode`,
				`#procCode`,
			},
			ZipCode: []string{
				`input[name="zipCode"]`,
				`input[name="zip"]`,
				`#zipCode`,
				`#zip`,
			},
			Percentile: []string{
				`select[name="percentile"]`,
				`#percentile`,
				`select`,
			},
			Submit: []string{
				`input[type="submit"]`,
				`input[value="Submit"]`,
				`#submitBtn`,
				`button[type="submit"]`,
			},
			SubmitFallback: []string{
				`input[name="zipCode"]`,
				`input[name="zip"]`,
				`#zip`,
			},
			ResultContainer: `table, #resultsDiv, .table, #fulltablediv, #filtertablediv`,
		},
		Timeouts: TimeoutConfig{
			Navigation:     30 * time.Second,
			FramePoll:      250 * time.Millisecond,
			FrameAttempts:  20,
			FrameLastTry:   2 * time.Second,
			PerSelector:    8 * time.Second,
			PercentileOpen: 5 * time.Second,
			Settle:         800 * time.Millisecond,
			Result:         20 * time.Second,
			ResultFloor:    20 * time.Second,
			LoadingPoll:    250 * time.Millisecond,
		},
		Browser: BrowserConfig{
			Headless:    true,
			UserDataDir: "/tmp/ucr-data",
			Stealth:     true,
		},
		Bot: BotConfig{
			PollInterval: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Schema: "ucr_scraper",
		},
	}
}

// LoadConfig loads configuration from a YAML file on top of Default. A
// missing file is not an error: the defaults plus environment are used.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("UCR_ACCTKEY"); v != "" {
		c.Site.AcctKey = v
	}
	if v := os.Getenv("UCR_BASE_URL"); v != "" {
		c.Site.BaseURL = v
	}
	if v := os.Getenv("BOT_DATA_DIR"); v != "" {
		c.Browser.UserDataDir = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("UCR_BOT_TOKEN"); v != "" {
		c.Bot.Token = strings.TrimSpace(v)
	}
}

// Validate rejects configurations that would make a wait unbounded.
func (c *Config) Validate() error {
	if c.Site.BaseURL == "" {
		return fmt.Errorf("config: site.base_url is required")
	}
	t := c.Timeouts
	if t.FramePoll <= 0 || t.FrameAttempts <= 0 || t.PerSelector <= 0 || t.Result <= 0 || t.Navigation <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if len(c.Selectors.ServiceDate) == 0 || len(c.Selectors.ProcedureCode) == 0 || len(c.Selectors.ZipCode) == 0 {
		return fmt.Errorf("config: selector candidates for date, code and zip are required")
	}
	return nil
}

// LookupURL returns the fee viewer URL for an account key. Query parameters
// already present on the base URL are kept.
func (c *Config) LookupURL(acctKey string) string {
	u, err := url.Parse(c.Site.BaseURL)
	if err != nil {
		return c.Site.BaseURL + "?" + url.Values{"acctkey": {acctKey}}.Encode()
	}
	q := u.Query()
	q.Set("acctkey", acctKey)
	u.RawQuery = q.Encode()
	return u.String()
}
