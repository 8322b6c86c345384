package main

import (
	"fmt"
	"html/template"
	"log"
	"os"
	"strings"

	"github.com/Masterminds/sprig"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/naniwallet/authgate/internal/models"
	"github.com/naniwallet/authgate/internal/otp"
	"github.com/naniwallet/authgate/internal/providers/pinpoint"
	"github.com/naniwallet/authgate/internal/providers/smtp"
	"github.com/naniwallet/authgate/internal/providers/webhook"
	"github.com/zerodha/logf"
	flag "github.com/spf13/pflag"
)

type constants struct {
	RootURL string
}

// Default message template shipped in the binary, per channel.
var defaultTplFiles = map[models.Channel]string{
	models.ChannelEmail: "/static/email.tpl",
	models.ChannelSMS:   "/static/sms.tpl",
}

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}
	// Load environment variables and merge into the loaded config.
	if err := ko.Load(env.Provider("AUTHGATE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "AUTHGATE_")), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initLogger(debug bool) logf.Logger {
	opts := logf.Opts{EnableCaller: true}
	if debug {
		opts.Level = logf.DebugLevel
		opts.EnableColor = true
	}
	return logf.New(opts)
}

// initProviders initializes the delivery providers enabled in the
// config, one per channel.
func initProviders(ko *koanf.Koanf) (map[models.Channel]models.Provider, error) {
	out := make(map[models.Channel]models.Provider)

	put := func(p models.Provider) error {
		if prev, ok := out[p.Channel()]; ok {
			return fmt.Errorf("providers '%s' and '%s' both serve channel '%s'",
				prev.ID(), p.ID(), p.Channel())
		}
		out[p.Channel()] = p
		return nil
	}

	if ko.Bool("provider.smtp.enabled") {
		var cfg smtp.Config
		if err := ko.Unmarshal("provider.smtp", &cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling provider.smtp: %v", err)
		}
		p, err := smtp.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("error initializing smtp provider: %v", err)
		}
		if err := put(p); err != nil {
			return nil, err
		}
	}

	if ko.Bool("provider.pinpoint.enabled") {
		var cfg pinpoint.Config
		if err := ko.Unmarshal("provider.pinpoint", &cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling provider.pinpoint: %v", err)
		}
		p, err := pinpoint.NewSMS(cfg)
		if err != nil {
			return nil, fmt.Errorf("error initializing pinpoint provider: %v", err)
		}
		if err := put(p); err != nil {
			return nil, err
		}
	}

	// Generic webhook relays, keyed by ID in the config.
	for _, id := range ko.MapKeys("provider.webhook") {
		var cfg webhook.Config
		if err := ko.Unmarshal("provider.webhook."+id, &cfg); err != nil {
			return nil, fmt.Errorf("error unmarshalling provider.webhook.%s: %v", id, err)
		}
		cfg.ID = id
		p, err := webhook.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("error initializing webhook provider '%s': %v", id, err)
		}
		if err := put(p); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// initTpls loads the message templates for every enabled channel,
// either from a path in the config or from the defaults stuffed into
// the binary.
func initTpls(fs stuffbin.FileSystem, provs map[models.Channel]models.Provider, ko *koanf.Koanf) (map[models.Channel]*otp.Tpl, error) {
	out := make(map[models.Channel]*otp.Tpl)
	for ch := range provs {
		var (
			tplFile = ko.String(fmt.Sprintf("message.%s.template", ch))
			subj    = ko.String(fmt.Sprintf("message.%s.subject", ch))
			t       = &otp.Tpl{}
			err     error
		)

		if subj == "" && ch == models.ChannelEmail {
			subj = "Your verification code"
		}
		if subj != "" {
			t.Subject, err = template.New("subject").Funcs(sprig.HtmlFuncMap()).Parse(subj)
			if err != nil {
				return nil, fmt.Errorf("error parsing subject for channel '%s': %v", ch, err)
			}
		}

		// Template file from the config, or the default stuffed into
		// the binary.
		var b []byte
		if tplFile != "" {
			b, err = os.ReadFile(tplFile)
			if err != nil {
				return nil, fmt.Errorf("error reading template %s for channel '%s': %v", tplFile, ch, err)
			}
		} else {
			b, err = fs.Read(defaultTplFiles[ch])
			if err != nil {
				return nil, fmt.Errorf("error reading default template for channel '%s': %v", ch, err)
			}
		}
		t.Body, err = template.New("body").Funcs(sprig.HtmlFuncMap()).Parse(string(b))
		if err != nil {
			return nil, fmt.Errorf("error parsing template for channel '%s': %v", ch, err)
		}
		out[ch] = t
	}

	return out, nil
}

func initFS() stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(os.Args[0])
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Can halt here or fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			// First argument is to the root to mount the files in the FileSystem
			// and the rest of the arguments are paths to embed.
			fs, err = stuffbin.NewLocalFS("/", "static/")
			if err != nil {
				log.Fatalf("error falling back to local filesystem: %v", err)
			}
		} else {
			log.Fatalf("error reading stuffed binary: %v", err)
		}
	}

	return fs
}
