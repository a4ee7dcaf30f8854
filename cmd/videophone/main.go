// Командный пример связки движка регистрации и менеджера конференций:
// регистрируется на SIP-регистраторе, поддерживает регистрацию по
// таймеру и проводит запросы перерегистрации через шлюз активных
// вызовов менеджера.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/emiago/sipgo"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/video_phone/pkg/call"
	"github.com/arzzra/video_phone/pkg/conference"
	"github.com/arzzra/video_phone/pkg/registration"
	"github.com/arzzra/video_phone/pkg/watchdog"
)

func main() {
	var (
		registrar   = flag.String("registrar", "127.0.0.1", "Registrar address")
		port        = flag.Uint("port", 5060, "Registrar port")
		user        = flag.String("user", "", "Auth username")
		password    = flag.String("password", "", "Auth password")
		phone       = flag.String("phone", "1005550100", "Phone number (AOR user part)")
		transport   = flag.String("transport", "udp", "SIP transport: udp, tcp, tls")
		metricsAddr = flag.String("metrics", "", "Prometheus listen address, empty to disable")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := run(*registrar, uint16(*port), *user, *password, *phone,
		registration.Transport(strings.ToUpper(*transport)), *metricsAddr, logger); err != nil {
		logger.Error("fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(registrar string, port uint16, user, password, phone string,
	transport registration.Transport, metricsAddr string, logger *slog.Logger) error {

	wd := watchdog.New()
	wd.Start()
	defer wd.Shutdown()

	ua, err := sipgo.NewUA()
	if err != nil {
		return fmt.Errorf("user agent: %w", err)
	}
	defer ua.Close()

	settings := registration.DefaultRegistrarSettings()
	settings.ProxyAddress = registrar
	settings.ProxyPort = port
	settings.User = user
	settings.Password = password
	settings.Transport = transport
	if err := settings.Validate(); err != nil {
		return err
	}

	identity := registration.Identity{
		PhoneNumber:    phone,
		InstanceGUID:   uuid.NewString(),
		RegistrationID: 1,
	}
	factory := registration.NewSIPClientFactory(ua, logger)

	// менеджер поднимается первым: движок регистрации будет слать ему
	// запросы перерегистрации через шлюз активных вызовов
	var engine *registration.Engine

	mgr, err := conference.NewManager(conference.DefaultConfig(), wd,
		&signalingProtocol{logger: logger, reregister: func() {
			engine.RegisterStart()
		}}, logger)
	if err != nil {
		return err
	}
	mgr.Start()
	defer mgr.Stop()

	engine = registration.NewEngine(identity, settings,
		registration.DefaultTimerPolicy(), factory, wd,
		func(info registration.EventInfo) {
			logger.Info("registration event",
				slog.String("event", info.Event.String()),
				slog.Any("error", info.Err))
			if info.Event == registration.EventReregisterNeeded {
				mgr.ClientReregister()
			}
		}, logger)

	mgr.Notifications().ActiveCalls.Connect(func(active bool) {
		logger.Info("active calls", slog.Bool("active", active))
	})
	mgr.Notifications().IncomingCall.Connect(func(c *call.Call) {
		logger.Info("incoming call",
			slog.Int64("call", c.Index()),
			slog.String("from", c.RemoteDisplayName()))
	})

	if metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				logger.Error("metrics listener", slog.Any("error", err))
			}
		}()
	}

	engine.RegisterStart()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")

	mgr.HangupAll()
	engine.UnregisterStart()
	engine.Stop()
	return nil
}

// signalingProtocol — протокольный слой без медиастека: вызовы в этой
// сборке не поднимаются, перерегистрация форвардится движку
type signalingProtocol struct {
	logger     *slog.Logger
	reregister func()
}

func (p *signalingProtocol) Dial(c *call.Call) error {
	return errors.New("media stack is not configured in this build")
}

func (p *signalingProtocol) Hangup(c *call.Call) error {
	p.logger.Info("hangup", slog.Int64("call", c.Index()))
	return nil
}

func (p *signalingProtocol) PortsSet(ports conference.Ports) error {
	p.logger.Info("conference ports",
		slog.Int("audio_rtp", int(ports.AudioRTP)),
		slog.Int("video_rtp", int(ports.VideoRTP)))
	return nil
}

func (p *signalingProtocol) Reregister() { p.reregister() }
