package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"OpenMCP-Pilot/internal/agent"
	"OpenMCP-Pilot/internal/api"
	"OpenMCP-Pilot/internal/config"
	"OpenMCP-Pilot/internal/conversation"
	"OpenMCP-Pilot/internal/discovery"
	"OpenMCP-Pilot/internal/session"
	"OpenMCP-Pilot/sdk/go/pilot"
)

// prepare 完成启动阶段的公共步骤：收尾遗留会话并执行首轮发现。
func prepare(ctx context.Context, a *app) (func(), error) {
	closed, err := session.NewManager(a.store).Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	if closed > 0 {
		a.log.Info("已收尾遗留会话", slog.Int("count", closed))
	}
	release := func() {}
	if mem, ok := a.transport.(*discovery.MemoryTransport); ok {
		release = mem.Register(clockAddress, discovery.NewHandler(clockAddress, clockTools(time.Now)...))
	}
	a.discover(ctx)
	return release, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent behind the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(ctx, cfg, buildOptions{withAgent: true})
			if err != nil {
				return err
			}
			defer a.Close()

			release, err := prepare(ctx, a)
			if err != nil {
				return err
			}
			defer release()

			opts := []api.Option{
				api.WithSessions(a.store),
				api.WithTools(a.dispatcher),
				api.WithMetricsPath(cfg.Server.MetricsPath),
			}
			if a.discovery != nil {
				opts = append(opts, api.WithDiscoverer(a.discovery))
			}
			server := api.NewServer(cfg.Server.Address, a.agent, opts...)
			if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			// 退出前停止运行中的任务，让其会话以 cancelled 落盘。
			if a.agent.Cancel() {
				waitIdle(a.agent, 5*time.Second)
			}
			return nil
		},
	}
}

func waitIdle(ag *agent.Agent, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for ag.Running() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

func newRunCmd() *cobra.Command {
	var (
		fixturePath string
		asJSON      bool
	)
	cmd := &cobra.Command{
		Use:   "run <instruction>",
		Short: "Execute one instruction in-process and print the conversation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if fixturePath != "" {
				cfg.Device.Fixture = fixturePath
			}
			a, err := buildApp(ctx, cfg, buildOptions{withAgent: true})
			if err != nil {
				return err
			}
			defer a.Close()

			release, err := prepare(ctx, a)
			if err != nil {
				return err
			}
			defer release()

			out := cmd.OutOrStdout()
			conv, runErr := a.agent.Run(ctx, strings.Join(args, " "), func(st agent.Status) {
				printStatus(out, st)
			})
			if asJSON && conv.ID != "" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(conv); err != nil {
					return err
				}
			} else if conv.ID != "" {
				printConversation(out, conv)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&fixturePath, "fixture", "", "device fixture JSON overriding device.fixture")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full conversation as JSON")
	return cmd
}

func printStatus(w io.Writer, st agent.Status) {
	switch st.Kind {
	case agent.StatusProcessing:
		line := fmt.Sprintf("[%s] %s", st.State, st.Message)
		if st.Attempt > 0 {
			line += fmt.Sprintf(" (attempt %d)", st.Attempt)
		}
		fmt.Fprintln(w, line)
	case agent.StatusError:
		fmt.Fprintf(w, "[error] %s: %s\n", st.Code, st.Message)
	default:
		fmt.Fprintf(w, "[%s] %s\n", st.Kind, st.Message)
	}
}

func printConversation(w io.Writer, conv conversation.Conversation) {
	fmt.Fprintf(w, "\nsession %s  outcome=%s\n", conv.ID, conv.Outcome)
	for _, msg := range conv.Messages {
		switch msg.Role {
		case conversation.RoleSystem:
			continue
		case conversation.RoleStats:
			fmt.Fprintf(w, "  stats: duration=%.2fs input_tokens=%.0f output_tokens=%.0f\n",
				msg.Stats[conversation.StatDuration], msg.Stats[conversation.StatInputTokens], msg.Stats[conversation.StatOutputTokens])
		case conversation.RoleAssistant:
			if text := msg.Text(); text != "" {
				fmt.Fprintf(w, "  assistant: %s\n", text)
			}
			for _, call := range msg.ToolCalls {
				args, _ := json.Marshal(call.Arguments)
				fmt.Fprintf(w, "  -> %s %s\n", call.Name, args)
			}
		case conversation.RoleTool:
			fmt.Fprintf(w, "  <- %s: %s\n", msg.Name, truncate(msg.Text(), 160))
		default:
			fmt.Fprintf(w, "  %s: %s\n", msg.Role, msg.Text())
		}
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}

	var (
		limit  int
		remote string
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if remote != "" {
				client, err := pilot.NewClient(remote, nil)
				if err != nil {
					return err
				}
				items, err := client.ListSessions(cmd.Context(), limit)
				if err != nil {
					return err
				}
				rows := make([]session.Summary, 0, len(items))
				for _, item := range items {
					rows = append(rows, session.Summary{
						ID:          item.ID,
						Instruction: item.Instruction,
						Outcome:     item.Outcome,
						IsComplete:  item.IsComplete,
						Messages:    item.Messages,
						StartTime:   item.StartTime,
					})
				}
				return printSessions(cmd.OutOrStdout(), rows)
			}
			return withStore(cmd.Context(), func(store session.Store) error {
				items, err := store.List(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return printSessions(cmd.OutOrStdout(), items)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "maximum number of sessions")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a stored session as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if remote != "" {
				client, err := pilot.NewClient(remote, nil)
				if err != nil {
					return err
				}
				conv, err := client.GetSession(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return enc.Encode(conv)
			}
			return withStore(cmd.Context(), func(store session.Store) error {
				conv, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return enc.Encode(conv)
			})
		},
	}

	cmd.PersistentFlags().StringVar(&remote, "remote", "", "read sessions from a running daemon at this base URL")
	cmd.AddCommand(list, show)
	return cmd
}

func printSessions(w io.Writer, items []session.Summary) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tOUTCOME\tMESSAGES\tINSTRUCTION")
	for _, item := range items {
		outcome := item.Outcome
		if !item.IsComplete {
			outcome = "running"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", item.ID, item.StartTime.Local().Format(time.DateTime), outcome, item.Messages, truncate(item.Instruction, 60))
	}
	return tw.Flush()
}

func withStore(ctx context.Context, fn func(session.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := session.Open(ctx, session.Config{
		Driver:  cfg.Storage.Driver,
		DSN:     cfg.Storage.DSN,
		DataDir: cfg.Runtime.DataDir,
	})
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func newToolsCmd() *cobra.Command {
	var discover bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools offered to the model",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := buildApp(ctx, cfg, buildOptions{})
			if err != nil {
				return err
			}
			defer a.Close()
			if discover {
				if mem, ok := a.transport.(*discovery.MemoryTransport); ok {
					defer mem.Register(clockAddress, discovery.NewHandler(clockAddress, clockTools(time.Now)...))()
				}
				a.discover(ctx)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPARAMETERS\tDESCRIPTION")
			for _, def := range a.dispatcher.Definitions() {
				params := make([]string, 0, len(def.Parameters))
				for _, p := range def.Parameters {
					name := p.Name
					if p.Required {
						name += "*"
					}
					params = append(params, name)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\n", def.Name, strings.Join(params, ","), truncate(def.Description, 70))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&discover, "discover", false, "run a discovery round before listing")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current run of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remoteClient(server)
			if err != nil {
				return err
			}
			current, err := client.Current(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			state := "idle"
			if current.Running {
				state = current.Status.State
			}
			fmt.Fprintf(out, "state: %s\n", state)
			if current.Status.RunID != "" {
				fmt.Fprintf(out, "run: %s (%s) %s\n", current.Status.RunID, current.Status.Kind, current.Status.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "daemon base URL (default derived from server.address)")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel the current run of a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := remoteClient(server)
			if err != nil {
				return err
			}
			cancelled, err := client.Cancel(cmd.Context())
			if err != nil {
				return err
			}
			if cancelled {
				fmt.Fprintln(cmd.OutOrStdout(), "cancellation requested")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "no run in progress")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "daemon base URL (default derived from server.address)")
	return cmd
}

func remoteClient(server string) (*pilot.Client, error) {
	if server == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		server = baseURL(cfg.Server)
	}
	return pilot.NewClient(server, nil)
}

// baseURL 把监听地址转换为本机可访问的 URL。
func baseURL(cfg config.ServerConfig) string {
	addr := cfg.Address
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if strings.HasPrefix(addr, "0.0.0.0:") {
		addr = "localhost" + strings.TrimPrefix(addr, "0.0.0.0")
	}
	return "http://" + addr
}

func newProvideCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "provide",
		Short: "Serve the sample clock tool provider over the configured discovery transport",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			switch cfg.Discovery.Transport {
			case "none", "memory":
				return fmt.Errorf("发现传输 %s 不支持跨进程提供工具", cfg.Discovery.Transport)
			}
			transport, err := newTransport(cfg.Discovery)
			if err != nil {
				return err
			}
			defer transport.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "serving %s as %q\n", clockAddress, "clock")
			err = discovery.Serve(cmd.Context(), transport, clockAddress, clockTools(time.Now)...)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
