// Command winspec talks to a winspec-server from the command line.
//
//	winspec [flags] get <path>
//	winspec [flags] set <path> <value>
//	winspec [flags] call <path> [args...]
//	winspec [flags] acquire [-wavelength nm] [-exposure s]
//
// Values and arguments are JSON; anything that is not valid JSON is sent as a string.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"winspec-relay/client"
	"winspec-relay/codec"
	"winspec-relay/config"
	"winspec-relay/loadbalance"
	"winspec-relay/logging"
	"winspec-relay/registry"
	"winspec-relay/winspec"
)

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, "winspec:", err)
		}
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("winspec", flag.ContinueOnError)
	serverURL := fs.String("server", "ws://localhost:1234/", "relay server URL")
	etcd := fs.String("registry", "", "comma-separated etcd endpoints; discover the server instead of -server")
	service := fs.String("service", "winspec", "registry service name")
	name := fs.String("name", "", "pick the instrument announced under this name; overrides -balance")
	balance := fs.String("balance", "round-robin", "how to pick among discovered servers: round-robin or weighted")
	timeout := fs.Duration("timeout", client.DefaultTimeout, "per-call timeout")
	codecName := fs.String("codec", "json", "body encoding: json or binary")
	verbose := fs.Bool("v", false, "log connection details")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: winspec [flags] get <path> | set <path> <value> | call <path> [args...] | acquire [-wavelength nm] [-exposure s]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errUsage
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger, err := logging.New(config.LoggingConfig{Level: level, Development: true})
	if err != nil {
		return err
	}
	defer logger.Sync()

	ct, err := codec.ParseCodecType(*codecName)
	if err != nil {
		return err
	}
	bal, err := balancer(*balance, *name)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []client.Option{client.WithCodec(ct), client.WithTimeout(*timeout), client.WithLogger(logger)}
	c, err := connect(ctx, *serverURL, *etcd, *service, bal, opts)
	if err != nil {
		return err
	}
	defer c.Close()
	logger.Debug("connected", zap.String("server", c.Addr()))

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("get takes one path")
		}
		var v json.RawMessage
		if err := c.Get(ctx, rest[0], &v); err != nil {
			return err
		}
		return printJSON(out, v)
	case "set":
		if len(rest) != 2 {
			return fmt.Errorf("set takes a path and a value")
		}
		return c.Set(ctx, rest[0], parseValue(rest[1]))
	case "call":
		if len(rest) == 0 {
			return fmt.Errorf("call takes a path and optional arguments")
		}
		callArgs := make([]any, len(rest)-1)
		for i, a := range rest[1:] {
			callArgs[i] = parseValue(a)
		}
		var v json.RawMessage
		if err := c.Call(ctx, rest[0], &v, callArgs...); err != nil {
			return err
		}
		return printJSON(out, v)
	case "acquire":
		return acquire(ctx, winspec.New(c, winspec.Paths{}), rest, out)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

// balancer selects among discovered servers. An instrument name wins over the
// balancing strategy.
func balancer(kind, name string) (loadbalance.Balancer, error) {
	if name != "" {
		return loadbalance.ByName(name), nil
	}
	switch kind {
	case "", "round-robin":
		return &loadbalance.RoundRobinBalancer{}, nil
	case "weighted":
		return &loadbalance.WeightedRandomBalancer{}, nil
	}
	return nil, fmt.Errorf("unknown balancer %q (want round-robin or weighted)", kind)
}

func connect(ctx context.Context, url, etcd, service string, bal loadbalance.Balancer, opts []client.Option) (*client.Client, error) {
	if etcd == "" {
		return client.Dial(ctx, url, opts...)
	}
	reg, err := registry.NewEtcdRegistry(strings.Split(etcd, ","))
	if err != nil {
		return nil, err
	}
	defer reg.Close()
	return client.DialRegistry(ctx, reg, service, bal, opts...)
}

// acquire applies the optional settings, runs one acquisition and prints it as
// tab-separated wavelength/intensity rows.
func acquire(ctx context.Context, s *winspec.Spectrometer, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("acquire", flag.ContinueOnError)
	wavelength := fs.Float64("wavelength", -1, "central wavelength in nm (default: unchanged)")
	exposure := fs.Float64("exposure", -1, "exposure time in s (default: unchanged)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	var p winspec.Parameters
	if *wavelength >= 0 {
		p.Wavelength = wavelength
	}
	if *exposure >= 0 {
		p.ExposureTime = exposure
	}
	if _, err := s.SetParameters(ctx, p); err != nil {
		return err
	}

	spec, err := s.AcquireSpectrum(ctx)
	if err != nil {
		return err
	}
	for i := range spec.Intensity {
		if _, err := fmt.Fprintf(out, "%.4f\t%g\n", spec.Wavelength[i], spec.Intensity[i]); err != nil {
			return err
		}
	}
	return nil
}

// parseValue decodes s as JSON, falling back to the plain string.
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

func printJSON(out io.Writer, v json.RawMessage) error {
	if len(v) == 0 {
		v = json.RawMessage("null")
	}
	_, err := fmt.Fprintln(out, string(v))
	return err
}
