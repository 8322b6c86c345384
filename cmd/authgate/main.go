package main

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/stuffbin"
	"github.com/naniwallet/authgate/internal/auth"
	"github.com/naniwallet/authgate/internal/credentials"
	"github.com/naniwallet/authgate/internal/credentials/sqlite"
	"github.com/naniwallet/authgate/internal/lockout"
	"github.com/naniwallet/authgate/internal/models"
	"github.com/naniwallet/authgate/internal/otp"
	"github.com/naniwallet/authgate/internal/store"
	"github.com/naniwallet/authgate/internal/store/redis"
	"github.com/naniwallet/authgate/internal/token"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (stores, services, config etc.) to be injected into the
// HTTP handlers.
type App struct {
	auth      *auth.Service
	otp       *otp.Engine
	store     store.Store
	cred      credentials.Store
	fs        stuffbin.FileSystem
	lo        logf.Logger
	constants constants
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()
	lo := initLogger(ko.Bool("app.debug"))

	app := &App{
		lo: lo,
		fs: initFS(),
		constants: constants{
			RootURL: strings.TrimRight(ko.String("app.root_url"), "/"),
		},
	}

	// Challenge store.
	var rc redis.Conf
	if err := ko.UnmarshalWithConf("store.redis", &rc, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		lo.Fatal("error unmarshalling redis config", "error", err)
	}
	app.store = redis.New(rc)

	// Credential store.
	cred, err := sqlite.New(ko.MustString("store.sqlite.path"))
	if err != nil {
		lo.Fatal("error opening credential store", "error", err)
	}
	app.cred = cred

	// Delivery providers and their message templates.
	provs, err := initProviders(ko)
	if err != nil {
		lo.Fatal("error initializing providers", "error", err)
	}
	if len(provs) == 0 {
		lo.Fatal("no providers enabled in config")
	}
	tpls, err := initTpls(app.fs, provs, ko)
	if err != nil {
		lo.Fatal("error loading message templates", "error", err)
	}

	app.otp = otp.New(otp.Config{
		TTL:          ko.MustDuration("app.otp_ttl"),
		MaxAttempts:  ko.MustInt("app.otp_max_attempts"),
		ResendWindow: ko.Duration("app.otp_resend_window"),
	}, app.store, provs, tpls, lo)

	// Session tokens.
	tokens, err := token.New(token.Config{
		Secret:   []byte(ko.MustString("token.secret")),
		Issuer:   ko.String("token.issuer"),
		UserTTL:  ko.MustDuration("token.user_ttl"),
		AdminTTL: ko.MustDuration("token.admin_ttl"),
	})
	if err != nil {
		lo.Fatal("error initializing token issuer", "error", err)
	}

	app.auth = auth.NewService(auth.Config{
		UserLockout: lockout.Policy{
			Threshold:    ko.MustInt("lockout.user_threshold"),
			LockDuration: ko.MustDuration("lockout.user_duration"),
		},
		AdminLockout: lockout.Policy{
			Threshold:    ko.MustInt("lockout.admin_threshold"),
			LockDuration: ko.MustDuration("lockout.admin_duration"),
		},
	}, app.cred, app.otp, tokens, lo)

	// Register handles.
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("authgate"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))

	r.Post("/api/otp/send", wrap(app, handleSendOTP))
	r.Post("/api/otp/send-phone", wrap(app, handleSendPhoneOTP))
	r.Post("/api/otp/verify", wrap(app, handleVerifyOTP))

	r.Post("/api/auth/register", wrap(app, handleRegister))
	r.Post("/api/auth/login", wrap(app, handleLogin))
	r.Get("/api/auth/verify", wrap(app, authorize(models.KindUser, handleVerifyToken)))
	r.Get("/api/auth/profile", wrap(app, authorize(models.KindUser, handleProfile)))

	r.Post("/api/admin/setup", wrap(app, handleAdminSetup))
	r.Post("/api/admin/login", wrap(app, handleAdminLogin))
	r.Get("/api/admin/profile", wrap(app, authorize(models.KindAdmin, handleAdminProfile)))
	r.Post("/api/admin/admins", wrap(app, authorize(models.KindAdmin,
		requirePermission("admins", "create", handleCreateAdmin))))

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      r,
	}

	lo.Info("starting server", "address", srv.Addr, "build", buildString)
	if err := srv.ListenAndServe(); err != nil {
		lo.Fatal("couldn't start server", "error", err)
	}
}
