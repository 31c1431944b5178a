package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dkeye/Ring/internal/adapters/api"
	"github.com/dkeye/Ring/internal/config"
	"github.com/dkeye/Ring/internal/domain"
	"github.com/dkeye/Ring/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile string
		v       *viper.Viper
		cfg     *config.Config
	)

	root := &cobra.Command{
		Use:   "ring-caller",
		Short: "Headless calling agent",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			v = config.New(cfgFile)
			if err := bindFlags(cmd, v); err != nil {
				return err
			}
			var err error
			if cfg, err = config.Load(v); err != nil {
				return err
			}
			return logging.Setup(cfg.LogLevel, true)
		},
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Path to configuration file (default config/config.<CONFIG_ENV>.yaml)")
	pf.String("server", "", "Server base URL")
	pf.String("email", "", "Account email")
	pf.String("password", "", "Account password")
	pf.String("token", "", "API token; skips login")
	pf.String("record-dir", "", "Directory for call recordings; empty discards media")
	pf.String("audio-file", "", "Ogg/Opus file played into calls")
	pf.String("video-file", "", "IVF/VP8 file played into video calls")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")

	root.AddCommand(
		registerCmd(func() *config.Config { return cfg }),
		usersCmd(func() *config.Config { return cfg }),
		serveCmd(func() *config.Config { return cfg }),
		dialCmd(func() *config.Config { return cfg }),
	)
	return root
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	for key, flag := range map[string]string{
		"caller.server":     "server",
		"caller.email":      "email",
		"caller.password":   "password",
		"caller.token":      "token",
		"caller.record_dir": "record-dir",
		"caller.audio_file": "audio-file",
		"caller.video_file": "video-file",
		"log_level":         "log-level",
	} {
		f := cmd.Flags().Lookup(flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}
	return nil
}

func registerCmd(cfg func() *config.Config) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and print its API token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := cfg().Caller
			s, err := api.New(c.Server, "").Register(cmd.Context(), name, c.Email, c.Password)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s (%s)\ntoken: %s\n", s.User.Name, s.User.ID, s.Token)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func usersCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List the directory with presence",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, _, err := login(cmd.Context(), cfg().Caller)
			if err != nil {
				return err
			}
			users, err := client.Users(cmd.Context())
			if err != nil {
				return err
			}
			for _, u := range users {
				fmt.Println(formatUser(u))
			}
			return nil
		},
	}
}

func serveCmd(cfg func() *config.Config) *cobra.Command {
	var autoAccept bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Stay online and take commands from stdin",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			a, err := startAgent(ctx, cfg())
			if err != nil {
				return err
			}
			defer func() {
				cancel()
				a.wait()
			}()
			go a.watch(ctx, os.Stdout, autoAccept)
			return repl(ctx, a.coord, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().BoolVar(&autoAccept, "auto-accept", false, "Answer incoming calls automatically")
	return cmd
}

func dialCmd(cfg func() *config.Config) *cobra.Command {
	var (
		mode     string
		duration time.Duration
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dial <user>",
		Short: "Call a user, stay connected for a while, then hang up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := domain.ParseCallMode(mode)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			a, err := startAgent(ctx, cfg())
			if err != nil {
				return err
			}
			defer func() {
				cancel()
				a.wait()
			}()
			go a.watch(ctx, os.Stdout, false)
			return dialOnce(ctx, a.coord, args[0], m, timeout, duration)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "voice", "Call mode (voice, video)")
	cmd.Flags().DurationVar(&duration, "duration", 30*time.Second, "How long to stay connected")
	cmd.Flags().DurationVar(&timeout, "timeout", 45*time.Second, "How long to wait for the device and the answer")
	return cmd
}

func login(ctx context.Context, c config.CallerConfig) (*api.Client, string, error) {
	client := api.New(c.Server, c.Token)
	if c.Token != "" {
		return client, c.Token, nil
	}
	if c.Email == "" {
		return nil, "", fmt.Errorf("either --token or --email/--password is required")
	}
	s, err := client.Login(ctx, c.Email, c.Password)
	if err != nil {
		return nil, "", fmt.Errorf("login: %w", err)
	}
	return client.WithToken(s.Token), s.Token, nil
}

func formatUser(u domain.User) string {
	status := "offline"
	if u.IsOnline {
		status = "online"
	} else if u.LastSeen != nil {
		status = "last seen " + u.LastSeen.Local().Format(time.RFC822)
	}
	return fmt.Sprintf("%-36s  %-20s  %s", u.ID, u.Name, status)
}
