package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/greenvcm/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendTo string

	watchWith        string
	watchWindow      int
	watchInteractive bool
)

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "Send a direct message to this user ID instead of the global feed")
	watchCmd.Flags().StringVar(&watchWith, "with", "", "Watch the direct conversation with this user ID")
	watchCmd.Flags().IntVar(&watchWindow, "window", 0, "Number of recent messages to show (default from config)")
	watchCmd.Flags().BoolVarP(&watchInteractive, "interactive", "i", false, "Send each line read from stdin")
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}

// scopeFor resolves the global feed or the signed-in user's side of a direct
// conversation.
func scopeFor(uid chatsync.Identity, peer string) chatsync.Scope {
	if peer == "" {
		return chatsync.GlobalScope()
	}
	return chatsync.DirectedScope(uid, chatsync.Identity(peer))
}

var sendCmd = &cobra.Command{
	Use:   "send <text>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.requireSignedIn(); err != nil {
			return err
		}

		ctx, cancel := commandContext(30 * time.Second)
		defer cancel()

		scope := scopeFor(s.auth.Current(), sendTo)
		in := chatsync.NewTextInput(strings.Join(args, " "))
		res, err := s.client.Sender().Send(ctx, scope, chatsync.NewMessageList(), in)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s (%s).\n", scope, strings.Join(res.MessageIDs, ", "))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow a conversation live",
	Long:  "Print the most recent messages of the global feed or a direct conversation and follow new ones until interrupted.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		if err := s.requireSignedIn(); err != nil {
			return err
		}
		if watchWindow > 0 {
			s.client = chatsync.NewClient(s.remote, s.auth, s.cache,
				chatsync.WithLogger(s.log), chatsync.WithWindow(watchWindow))
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := s.client.Start(ctx); err != nil {
			return err
		}
		defer s.client.Close(context.Background())

		out := cmd.OutOrStdout()
		printer := newEntryPrinter(out)
		view := chatsync.NewMessageList()
		view.OnChange(printer.print)

		conv, err := s.client.Open(ctx, scopeFor(s.auth.Current(), watchWith), view)
		if err != nil {
			return err
		}
		defer conv.Close()
		conv.Feed().OnStateChange(func(state chatsync.FeedState, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", state, describeError(err))
				return
			}
			fmt.Fprintf(os.Stderr, "[%s]\n", state)
		})

		if watchInteractive {
			go sendLines(ctx, conv, cmd.InOrStdin())
		}
		<-ctx.Done()
		return nil
	},
}

// sendLines sends every non-empty line of r until it is exhausted.
func sendLines(ctx context.Context, conv *chatsync.Conversation, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) == "" {
			continue
		}
		if _, err := conv.Send(ctx, chatsync.NewTextInput(scanner.Text())); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %s\n", describeError(err))
		}
	}
}

// entryPrinter prints each committed entry once.
type entryPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	printed map[string]bool
}

func newEntryPrinter(out io.Writer) *entryPrinter {
	return &entryPrinter{out: out, printed: make(map[string]bool)}
}

func (p *entryPrinter) print(entries []chatsync.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range entries {
		if e.Tentative || p.printed[e.ID] {
			continue
		}
		p.printed[e.ID] = true
		fmt.Fprintln(p.out, formatEntry(e))
	}
}

func formatEntry(e chatsync.Entry) string {
	who := string(e.Message.SenderID)
	if e.Kind == chatsync.KindOwn {
		who = "you"
	}
	return fmt.Sprintf("%s  %-12s %s", e.Message.CreatedAt.Local().Format("15:04:05"), who, e.Message.Text)
}
