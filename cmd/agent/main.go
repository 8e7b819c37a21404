// Agent is the companion process that runs on the local network alongside a
// Bambu printer: it holds the single upstream MQTT session to the printer,
// re-exposes it to other local clients over a small local MQTT broker, pumps
// the webcam feed on demand, and tracks print lifecycle/duration state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/julienschmidt/httprouter"

	"github.com/bambu-companion/agent/engine"
	"github.com/bambu-companion/agent/internal/broker"
	"github.com/bambu-companion/agent/internal/commands"
	"github.com/bambu-companion/agent/internal/notify"
	"github.com/bambu-companion/agent/internal/printerstate"
	"github.com/bambu-companion/agent/internal/quickcam"
	"github.com/bambu-companion/agent/internal/records"
	"github.com/bambu-companion/agent/internal/translator"
	"github.com/bambu-companion/agent/internal/upstream"
)

type Config struct {
	PrinterHost  string `env:",required"`
	PrinterPort  int    `envDefault:"8883"`
	AccessToken  string `env:",required"`
	SerialNumber string `env:",required"`

	BrokerPort int    `envDefault:"1883"`
	HTTPAddr   string `envDefault:":8989"`
	RecordsDir string `envDefault:"./state/records"`

	Debug bool `envDefault:"false"`
}

func main() {
	conf, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "BAMBU_", UseFieldNameByDefault: true})
	if err != nil {
		panic(fmt.Sprintf("reading configuration: %s", err))
	}

	if conf.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	store, err := records.New(conf.RecordsDir)
	if err != nil {
		slog.Error("failed to open print records store", "error", err)
		os.Exit(1)
	}

	state := printerstate.New()
	version := printerstate.NewVersion()
	sink := notify.NewLoggingSink()
	tr := translator.New(sink, store)

	session := upstream.New(upstream.Config{
		Host:         conf.PrinterHost,
		Port:         conf.PrinterPort,
		AccessToken:  conf.AccessToken,
		SerialNumber: conf.SerialNumber,
	}, state, version, tr)

	mqttBroker := broker.New(session, sessionSubscriptionSink{session})
	session.AddListener(func(topic string, payload []byte) {
		mqttBroker.OnUpstreamMessage(topic, payload)
	})
	session.AddReconnectListener(mqttBroker.OnUpstreamReconnect)

	cam := quickcam.New(quickcam.Config{
		Host:        conf.PrinterHost,
		AccessToken: conf.AccessToken,
		Debug:       conf.Debug,
	}, state)
	camHandler := quickcam.NewHandler(cam)

	cmds := commands.New(state, session, store)
	cmdHandler := commands.NewHandler(cmds)

	router := httprouter.New()
	camHandler.Register(router)
	cmdHandler.Register(router)

	var procs engine.ProcMgr
	procs.Add(session.Run)
	procs.Add(mqttBroker.Run(conf.BrokerPort))
	procs.Add(serveHTTP(conf.HTTPAddr, router))

	slog.Info("starting bambu companion agent",
		"printerHost", conf.PrinterHost,
		"brokerPort", conf.BrokerPort,
		"httpAddr", conf.HTTPAddr,
	)
	procs.Run(context.Background())
}

// sessionSubscriptionSink adapts *upstream.Session to broker.SubscriptionSink,
// so downstream SUBSCRIBE/UNSUBSCRIBE traffic the local broker receives gets
// mirrored onto the single upstream connection. Failures are logged, not
// returned: a failed upstream subscribe just means that topic's downstream
// subscribers see nothing until the next reconnect re-syncs the set.
type sessionSubscriptionSink struct {
	session *upstream.Session
}

func (s sessionSubscriptionSink) SubscribeUpstream(filter string) {
	if err := s.session.Subscribe(filter); err != nil {
		slog.Warn("failed to mirror subscription upstream", "filter", filter, "error", err)
	}
}

func (s sessionSubscriptionSink) UnsubscribeUpstream(filter string) {
	if err := s.session.Unsubscribe(filter); err != nil {
		slog.Warn("failed to mirror unsubscription upstream", "filter", filter, "error", err)
	}
}

// serveHTTP wires the stdlib http server to the engine's context-driven
// shutdown, matching the shape every other long-running proc in this agent
// uses.
func serveHTTP(addr string, handler http.Handler) engine.Proc {
	return func(ctx context.Context) error {
		srv := &http.Server{Addr: addr, Handler: handler}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		slog.Info("http server shut down")
		return nil
	}
}
