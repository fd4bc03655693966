package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/mqrpc"
	"github.com/raskyld/mqrpc/pkg/pahomqtt"
)

type arguments struct {
	Config          kong.ConfigFlag `help:"Path to an HCL config file providing any of the flags." type:"existingfile"`
	Broker          pahomqtt.Config `embed:"" prefix:""`
	Timeout         time.Duration   `help:"Maximum duration of each request." default:"10s"`
	MetricsInterval time.Duration   `help:"Aggregate metrics in memory over this interval, they are dumped on SIGUSR1. Disabled when zero." default:"0s"`
	Log             logConfig       `embed:"" prefix:"log-"`

	Shadow shadowCmd `cmd:"" help:"Read and write device shadows."`
	Jobs   jobsCmd   `cmd:"" help:"Query and update job executions."`
}

type logConfig struct {
	Level  string `help:"Minimum level of logged records." default:"warn" enum:"debug,info,warn,error"`
	Format string `help:"Format of logged records." default:"text" enum:"text,json"`
}

func (c logConfig) handler(w io.Writer) (slog.Handler, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch c.Format {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "text", "":
		return slog.NewTextHandler(w, opts), nil
	}
	return nil, fmt.Errorf("unknown log format %q", c.Format)
}

// dialer opens the transport and returns the function closing it.
type dialer func(ctx context.Context, cfg pahomqtt.Config, handler slog.Handler) (mqrpc.Transport, func(), error)

func dialBroker(ctx context.Context, cfg pahomqtt.Config, handler slog.Handler) (mqrpc.Transport, func(), error) {
	tr, err := pahomqtt.Dial(ctx, cfg, pahomqtt.WithLog(handler))
	if err != nil {
		return nil, nil, err
	}
	return tr, func() { tr.Close(250) }, nil
}

func main() {
	var args arguments
	kctx, err := parseArgs(&args, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(kctx, &args, dialBroker, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseArgs(args *arguments, argv []string) (*kong.Context, error) {
	parser, err := kong.New(args,
		kong.Name("mqrpc"),
		kong.Description("Call device shadow and jobs services over MQTT."),
		kong.Configuration(konghcl.Loader),
	)
	if err != nil {
		return nil, err
	}
	// Trailing spaces in scripts produce empty arguments the parser rejects.
	var clean []string
	for _, arg := range argv {
		if arg = strings.TrimSpace(arg); arg != "" {
			clean = append(clean, arg)
		}
	}
	return parser.Parse(clean)
}

func run(kctx *kong.Context, args *arguments, dial dialer, out io.Writer) error {
	handler, err := args.Log.handler(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []mqrpc.Option{mqrpc.WithLog(handler)}
	if args.MetricsInterval > 0 {
		inm := metrics.NewInmemSink(args.MetricsInterval, 6*args.MetricsInterval)
		sig := metrics.DefaultInmemSignal(inm)
		defer sig.Stop()
		opts = append(opts, mqrpc.WithMetricSink(inm))
	}

	tr, closeTransport, err := dial(ctx, args.Broker, handler)
	if err != nil {
		return err
	}
	defer closeTransport()

	engine, err := mqrpc.New(tr, opts...)
	if err != nil {
		return err
	}
	defer engine.Close()

	return kctx.Run(&app{
		ctx:     ctx,
		timeout: args.Timeout,
		engine:  engine,
		logger:  slog.New(handler),
		out:     out,
	})
}

// app is bound to the Run method of every command.
type app struct {
	ctx     context.Context
	timeout time.Duration
	engine  *mqrpc.Client
	logger  *slog.Logger

	lk  sync.Mutex
	out io.Writer
}

func (a *app) request() (context.Context, context.CancelFunc) {
	if a.timeout <= 0 {
		return context.WithCancel(a.ctx)
	}
	return context.WithTimeout(a.ctx, a.timeout)
}

func (a *app) print(v any) error {
	a.lk.Lock()
	defer a.lk.Unlock()
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// watch prints events until the process is interrupted.
func (a *app) watch(streams ...*mqrpc.EventStream) error {
	<-a.ctx.Done()
	for _, s := range streams {
		s.Close()
	}
	return nil
}

func printer[Ev any](a *app) func(Ev, error) {
	return func(ev Ev, err error) {
		if err != nil {
			a.logger.Warn("dropping event", "error", err)
			return
		}
		if err := a.print(ev); err != nil {
			a.logger.Error("could not print event", "error", err)
		}
	}
}
