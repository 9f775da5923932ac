package config

import (
	"flag"
	"strings"
)

// Flags are command line overrides applied on top of a loaded Config.
// Unset flags leave the loaded value alone.
type Flags struct {
	File     string
	Run      string
	Platform string
	Runtime  string
	Groups   StringList
	Backend  string
	Ledger   string
	LogLevel string
	LogFmt   string
}

// Register adds the common flags to fs.
func (f *Flags) Register(fs *flag.FlagSet) {
	fs.StringVar(&f.File, "config", "", "path to a CUE config file (default "+DefaultFile+" if present)")
	fs.StringVar(&f.Run, "run", "", "pipeline run identity")
	fs.StringVar(&f.Platform, "platform", "", "platform key dimension")
	fs.StringVar(&f.Runtime, "runtime", "", "runtime version key dimension")
	fs.Var(&f.Groups, "group", "group key dimension (repeatable)")
	fs.StringVar(&f.Backend, "backend", "", "backend type: fs, memory, minio, oci or http")
	fs.StringVar(&f.Ledger, "ledger", "", "ledger strategy: markers or compound")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	fs.StringVar(&f.LogFmt, "log-format", "", "log format: text or json")
}

// Apply overrides cfg with every flag that was set.
func (f *Flags) Apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&cfg.Run, f.Run)
	set(&cfg.Platform, f.Platform)
	set(&cfg.Runtime, f.Runtime)
	set(&cfg.Backend.Type, f.Backend)
	set(&cfg.Ledger.Strategy, f.Ledger)
	set(&cfg.Log.Level, f.LogLevel)
	set(&cfg.Log.Format, f.LogFmt)
	if len(f.Groups) > 0 {
		cfg.Groups = append([]string(nil), f.Groups...)
	}
}

// StringList is a repeatable string flag. Values may also be comma separated.
type StringList []string

// String implements flag.Value.
func (s *StringList) String() string {
	return strings.Join(*s, ",")
}

// Set implements flag.Value.
func (s *StringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}
