package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/hanpama/hostbridge/internal/config"
	"github.com/hanpama/hostbridge/internal/logging"
	"github.com/hanpama/hostbridge/internal/proxy"
	"github.com/hanpama/hostbridge/internal/session"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hostbridge:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

// globals are the flags shared by every command.
type globals struct {
	configPath string
	logLevel   string
	prelude    []string
}

// load reads the config file when given and applies flag overrides.
func (g *globals) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = g.logLevel
	}
	cfg.Session.Preludes = append(cfg.Session.Preludes, g.prelude...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// open builds the logger and opens a session from cfg.
func open(ctx context.Context, cfg *config.Config) (*session.Session, *zap.Logger, error) {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	logging.SetLogger(log)
	sess, err := session.Open(ctx, cfg.Session,
		session.WithLogger(log),
		session.WithLockOSThread(cfg.Pool.LockOSThread),
		session.WithTaskTTL(cfg.Pool.TaskTTL),
	)
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	return sess, log, nil
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "hostbridge",
		Short:         "Embed a script runtime and drive it from Go",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringArrayVar(&g.prelude, "prelude", nil, "script evaluated when the session opens; repeatable")

	root.AddCommand(newEvalCmd(g), newServeCmd(g), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "hostbridge", version)
		},
	}
}

func newEvalCmd(g *globals) *cobra.Command {
	var (
		exprs  []string
		asJSON bool
		remote string
	)
	cmd := &cobra.Command{
		Use:   "eval [-e expr]... [file]...",
		Short: "Evaluate expressions and script files, printing the last value",
		RunE: func(cmd *cobra.Command, files []string) error {
			if len(exprs) == 0 && len(files) == 0 {
				return fmt.Errorf("nothing to evaluate: pass -e or a file")
			}
			if remote != "" {
				return evalRemote(cmd.Context(), cmd.OutOrStdout(), remote, files, exprs, asJSON)
			}
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			sess, log, err := open(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = sess.Close()
				_ = log.Sync()
			}()

			var last *proxy.Proxy
			keep := func(p *proxy.Proxy) {
				if last != nil {
					last.Release()
				}
				last = p
			}
			for _, path := range files {
				p, err := sess.EvalFile(ctx, path)
				if err != nil {
					return err
				}
				keep(p)
			}
			for _, src := range exprs {
				p, err := sess.Eval(ctx, src)
				if err != nil {
					return err
				}
				keep(p)
			}
			defer last.Release()
			return printValue(ctx, cmd.OutOrStdout(), sess, last, asJSON)
		},
	}
	cmd.Flags().StringArrayVarP(&exprs, "expr", "e", nil, "expression to evaluate after the files; repeatable")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the value as JSON instead of its string form")
	cmd.Flags().StringVar(&remote, "remote", "", "evaluate on a hostbridge gRPC server at this address instead of locally")
	return cmd
}

func printValue(ctx context.Context, w io.Writer, sess *session.Session, p *proxy.Proxy, asJSON bool) error {
	if !asJSON {
		s, err := p.String(ctx)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, s)
		return err
	}
	v, err := sess.Value(ctx, p)
	if err != nil {
		return err
	}
	b, err := protojson.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
