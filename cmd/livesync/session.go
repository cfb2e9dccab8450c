package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/services"
	"livesync/pkg/validation"

	"github.com/spf13/cobra"
)

var (
	flagSession string
	flagTitle   string
	flagRole    string
)

func init() {
	hostCmd.Flags().StringVarP(&flagSession, "session", "s", "", "host an existing session instead of creating one")
	hostCmd.Flags().StringVarP(&flagTitle, "title", "t", "", "title of the new session")

	joinCmd.Flags().StringVarP(&flagSession, "session", "s", "", "session to join")
	joinCmd.Flags().StringVarP(&flagRole, "role", "r", string(domain.RoleViewer), "guest or viewer")
	_ = joinCmd.MarkFlagRequired("session")

	rootCmd.AddCommand(hostCmd, joinCmd, sessionsCmd)
}

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Go live as the host of a session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		actor := domain.ActorID(flagActor)
		a, err := newApp(flagConfig, actor, domain.RoleHost)
		if err != nil {
			return err
		}
		defer a.close()

		id := domain.SessionID(flagSession)
		if id == "" {
			if err := validation.ValidateTitle(flagTitle); err != nil {
				return fmt.Errorf("--title: %w", err)
			}
			rec, err := a.api.Create(cmd.Context(), actor, flagTitle)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			id = rec.ID
			fmt.Fprintf(cmd.OutOrStdout(), "* created session %s\n", id)
		}

		return runSession(cmd, a, domain.Session{
			ID:           id,
			OwnerID:      actor,
			LocalActorID: actor,
			Role:         domain.RoleHost,
		})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Join a live session as a guest or viewer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		role := domain.Role(flagRole)
		if role != domain.RoleGuest && role != domain.RoleViewer {
			return fmt.Errorf("--role must be %q or %q", domain.RoleGuest, domain.RoleViewer)
		}
		actor := domain.ActorID(flagActor)
		a, err := newApp(flagConfig, actor, role)
		if err != nil {
			return err
		}
		defer a.close()

		id := domain.SessionID(flagSession)
		rec, err := a.api.Get(cmd.Context(), id)
		if err != nil {
			return fmt.Errorf("look up session: %w", err)
		}
		if !rec.Live {
			return fmt.Errorf("session %s is not live", id)
		}

		return runSession(cmd, a, domain.Session{
			ID:           id,
			OwnerID:      rec.OwnerID,
			LocalActorID: actor,
			Role:         role,
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List the sessions owned by the actor",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		actor := domain.ActorID(flagActor)
		a, err := newApp(flagConfig, actor, domain.RoleHost)
		if err != nil {
			return err
		}
		defer a.close()

		records, err := a.api.ListByOwner(cmd.Context(), actor)
		if err != nil {
			a.log.Debugw("list failed", "circuit_breaker", a.wrapper.GetCircuitBreakerState().String())
			return fmt.Errorf("list sessions: %w", err)
		}
		return printSessions(cmd.OutOrStdout(), records)
	},
}

func printSessions(out io.Writer, records []*domain.SessionRecord) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tLIVE\tCREATED")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", rec.ID, rec.Title, rec.Live, rec.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

// runSession starts the session and feeds it stdin until the session ends,
// the user leaves, or the process is signalled.
func runSession(cmd *cobra.Command, a *app, session domain.Session) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	manager := services.NewSessionManager(
		a.api,
		a.channelFactory(),
		newConsoleSink(out, a.log),
		sessionConfig(a.cfg),
		a.metrics,
		a.log,
	)
	svc, err := manager.Start(ctx, session, newVideoCall(a.cfg, session.Role, a.log))
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	leave := func() error {
		leaveCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Reconciler.EndTimeout+time.Second)
		defer cancel()
		return manager.Stop(leaveCtx)
	}

	lines := readLines(cmd.InOrStdin())
	for {
		select {
		case sig := <-sigs:
			a.log.Infow("signal received, leaving session", "signal", sig.String())
			svc.Unmount()
			return leave()

		case <-svc.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				// stdin closed: stay in the session until signalled
				lines = nil
				continue
			}
			done, err := handleLine(ctx, svc, line)
			if err != nil {
				fmt.Fprintf(out, "! %v\n", err)
			}
			if done {
				return leave()
			}
		}
	}
}

func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

// sessionControls is the part of a session driven from the console.
type sessionControls interface {
	Session() domain.Session
	Send(msgType domain.EventType, payload any) error
	SendChat(text string) (domain.ChatMessage, error)
	SendHeartbeat(ctx context.Context) error
	ForceUpdate(ctx context.Context) error
	Reconnect() error
	OnAppStateChange(state domain.AppState)
	OnUserInteraction()
}

var _ sessionControls = (*services.SessionService)(nil)

// handleLine runs one console line. It reports true when the user asked to
// leave.
func handleLine(ctx context.Context, s sessionControls, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	s.OnUserInteraction()

	if !strings.HasPrefix(line, "/") {
		_, err := s.SendChat(line)
		return false, err
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/leave", "/quit":
		return true, nil
	case "/camera", "/mic":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			return false, fmt.Errorf("usage: %s on|off", fields[0])
		}
		t := domain.EventCameraToggled
		if fields[0] == "/mic" {
			t = domain.EventMicrophoneToggled
		}
		return false, s.Send(t, domain.TogglePayload{
			ParticipantID: s.Session().LocalActorID,
			Enabled:       fields[1] == "on",
		})
	case "/background":
		s.OnAppStateChange(domain.AppBackground)
		return false, nil
	case "/foreground":
		s.OnAppStateChange(domain.AppActive)
		return false, nil
	case "/refresh":
		return false, s.ForceUpdate(ctx)
	case "/heartbeat":
		return false, s.SendHeartbeat(ctx)
	case "/reconnect":
		return false, s.Reconnect()
	}
	return false, fmt.Errorf("unknown command %s", fields[0])
}
