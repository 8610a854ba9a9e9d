package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/srediag/plugin-socket/adapter"
	"github.com/srediag/plugin-socket/api"
	"github.com/srediag/plugin-socket/internal/debug"
	"github.com/srediag/plugin-socket/pkg/proxy"
	"github.com/srediag/plugin-socket/pkg/socket"
)

var log = debug.New("sockcat", os.Stderr)

var rootCmd = &cobra.Command{
	Use:           "sockcat",
	Short:         "Pipe stdin and stdout through an event-loop driven socket",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var connectCmd = &cobra.Command{
	Use:   "connect <host> <port>",
	Short: "Connect to host:port and copy data both ways until either side closes",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			return fmt.Errorf("invalid port %q", args[1])
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return connect(ctx, cmd, args[0], uint16(port))
	},
}

func loadConfig(cmd *cobra.Command) (*socket.Config, error) {
	config := socket.DefaultConfig()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if config, err = socket.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if timeout, _ := cmd.Flags().GetDuration("timeout"); timeout > 0 {
		config.ConnectTimeout = timeout
	}
	if size, _ := cmd.Flags().GetInt64("read-buffer"); size > 0 {
		config.ReadBufferSize = size
	}
	if unbuffered, _ := cmd.Flags().GetBool("unbuffered"); unbuffered {
		config.Buffered = false
	}
	config.LogOutput = os.Stderr
	return config, socket.VerifyConfig(config)
}

func serve(addr string, handler http.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("http server on %s: %v", addr, err)
		}
	}()
	return srv
}

func connect(ctx context.Context, cmd *cobra.Command, host string, port uint16) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	rtConfig := &socket.RuntimeConfig{
		Socket:  config,
		Proxies: proxy.FromEnvironment(),
	}
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
	var registry *prometheus.Registry
	if metricsAddr != "" {
		registry = prometheus.NewRegistry()
		rtConfig.Registerer = registry
	}
	rt, err := socket.NewRuntime(rtConfig)
	if err != nil {
		return err
	}
	defer rt.Close()

	if registry != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := serve(metricsAddr, mux)
		defer srv.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var failure *api.Error
	opts := []socket.Option{socket.WithObserver(socket.ObserverFuncs{
		OnStateChanged: func(_ *socket.Socket, state api.SocketState) {
			if state == api.UnconnectedState {
				cancel()
			}
		},
		OnConnected: func(s *socket.Socket) {
			log.Infof("connected to %s:%d from %s:%d", s.PeerAddr(), s.PeerPort(), s.LocalAddr(), s.LocalPort())
			go pipeStdin(ctx, rt.Loop.Post, s)
		},
		OnError: func(_ *socket.Socket, err *api.Error) {
			if err.Kind != api.RemoteHostClosedError {
				failure = err
			}
		},
		OnReadyRead: func(s *socket.Socket) {
			if _, err := os.Stdout.Write(s.ReadAll()); err != nil {
				log.Errorf("stdout: %v", err)
				s.Abort()
			}
		},
	})}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		opts = append(opts, socket.WithObserver(adapter.NewAuditAdapter(os.Stderr)))
	}
	if healthAddr, _ := cmd.Flags().GetString("health-addr"); healthAddr != "" {
		health := adapter.NewHealthAdapter(0)
		opts = append(opts, socket.WithObserver(health.Track("upstream")))
		srv := serve(healthAddr, health.Handler())
		defer srv.Close()
	}

	sock, err := rt.NewSocket(api.TCPSocket, opts...)
	if err != nil {
		return err
	}
	if raw, _ := cmd.Flags().GetString("proxy"); raw != "" {
		p, ok := proxy.Parse(raw)
		if !ok {
			return fmt.Errorf("invalid proxy %q", raw)
		}
		sock.SetProxy(p)
	}

	rt.Loop.Post(func() { sock.ConnectToHost(host, port) })
	err = rt.Loop.Run(ctx)
	if sock.State() != api.UnconnectedState {
		sock.Abort()
	}
	if failure != nil {
		return failure
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pipeStdin copies stdin to s on the loop goroutine. EOF closes the write
// side gracefully.
func pipeStdin(ctx context.Context, post func(func()), s *socket.Socket) {
	buf := make([]byte, 32*1024)
	for ctx.Err() == nil {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			post(func() {
				if _, werr := s.Write(chunk); werr != nil {
					log.Warnf("write: %v", werr)
				}
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Errorf("stdin: %v", err)
			}
			post(s.DisconnectFromHost)
			return
		}
	}
}

func init() {
	connectCmd.Flags().String("config", "", "YAML socket configuration file")
	connectCmd.Flags().String("proxy", "", "Proxy URL (socks5://host:port or http://host:port); defaults to the environment")
	connectCmd.Flags().Duration("timeout", 0, "Per-address connect timeout (0 keeps the configured value)")
	connectCmd.Flags().Bool("json", false, "Write socket events to stderr as JSON lines")
	connectCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")
	connectCmd.Flags().String("health-addr", "", "Serve /live and /ready on this address")
	connectCmd.Flags().Int64("read-buffer", 0, "Read buffer limit in bytes (0 keeps the configured value)")
	connectCmd.Flags().Bool("unbuffered", false, "Use unbuffered mode")
	rootCmd.AddCommand(connectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sockcat: %v\n", err)
		os.Exit(1)
	}
}
