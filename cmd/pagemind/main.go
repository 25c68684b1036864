// Command pagemind is the terminal chat surface of the pagemind daemon.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/Rrens/pagemind/internal/domain"
	"github.com/Rrens/pagemind/internal/page"
	"github.com/Rrens/pagemind/internal/relay"
)

var flags struct {
	verbose bool
	plain   bool
	url     string
}

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "pagemind",
		Short: "Chat with a local model about anything, or about a web page",
		Long: `pagemind talks to the pagemind daemon.

Usage modes:
  pagemind chat                 Interactive chat (type /help inside)
  pagemind prompt <text>        One free-form prompt
  pagemind summarize --url U    Summarize a page
  pagemind ask --url U <q>      Ask a question about a page`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log at the configured level instead of warnings only")
	rootCmd.PersistentFlags().BoolVar(&flags.plain, "plain", false, "Print responses without markdown rendering")

	rootCmd.AddCommand(
		chatCmd(),
		promptCmd(),
		summarizeCmd(),
		askCmd(),
		newCmd(),
		clearCmd(),
		historyCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func parseTopic(args []string) (domain.Topic, error) {
	if len(args) == 0 {
		return domain.TopicPrompt, nil
	}
	topic := domain.Topic(args[0])
	if !topic.Valid() {
		return "", fmt.Errorf("unknown topic %q (use prompt or page)", args[0])
	}
	return topic, nil
}

// oneShot runs fn against a started controller and waits for its stream.
func oneShot(fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.connect(ctx); err != nil {
		return err
	}
	if !a.ctrl.Ready() {
		return fmt.Errorf("model is not ready")
	}
	return fn(ctx, a)
}

func promptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prompt <text>",
		Short: "Send one free-form prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(func(ctx context.Context, a *app) error {
				p, err := a.ctrl.SubmitPrompt(strings.Join(args, " "))
				if err != nil {
					return err
				}
				return wait(ctx, p)
			})
		},
	}
}

func summarizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summarize",
		Short: "Summarize a web page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(func(ctx context.Context, a *app) error {
				if err := a.ctrl.LoadPage(ctx, flags.url); err != nil {
					return err
				}
				p, err := a.ctrl.Summarize()
				if err != nil {
					return err
				}
				return wait(ctx, p)
			})
		},
	}
	cmd.Flags().StringVarP(&flags.url, "url", "u", "", "Page to summarize")
	cmd.MarkFlagRequired("url")
	return cmd
}

func askCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a question about a web page",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return oneShot(func(ctx context.Context, a *app) error {
				if err := a.ctrl.LoadPage(ctx, flags.url); err != nil {
					return err
				}
				p, err := a.ctrl.AskQuestion(strings.Join(args, " "))
				if err != nil {
					return err
				}
				return wait(ctx, p)
			})
		},
	}
	cmd.Flags().StringVarP(&flags.url, "url", "u", "", "Page the question is about")
	cmd.MarkFlagRequired("url")
	return cmd
}

func newCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "new [prompt|page]",
		Short:     "Start a new conversation",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"prompt", "page"},
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, err := parseTopic(args)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			a.load(ctx)
			id := a.ctrl.StartNewConversation(ctx, topic)
			fmt.Printf("Active %s conversation: %s\n", topic, id)
			return nil
		},
	}
}

func clearCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "clear [prompt|page]",
		Short:     "Clear the active conversation",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"prompt", "page"},
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, err := parseTopic(args)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			a.load(ctx)
			a.ctrl.ClearConversation(ctx, topic)
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var show string
	cmd := &cobra.Command{
		Use:       "history [prompt|page]",
		Short:     "List conversations, or replay one with --show",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"prompt", "page"},
		RunE: func(cmd *cobra.Command, args []string) error {
			topic, err := parseTopic(args)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			a.load(ctx)
			if show != "" {
				return a.ctrl.SwitchConversation(ctx, topic, show)
			}
			printHistory(a, topic)
			return nil
		},
	}
	cmd.Flags().StringVar(&show, "show", "", "Activate and replay the conversation with this id")
	return cmd
}

func printHistory(a *app, topic domain.Topic) {
	active, _ := a.store.GetActive(topic)
	for _, c := range a.ctrl.Conversations(topic) {
		marker := " "
		if c.ID == active.ID {
			marker = color.GreenString("*")
		}
		title := "(empty)"
		if len(c.Messages) > 0 {
			title = page.Truncate(c.Messages[0].Prompt, 57, "...")
		}
		fmt.Printf("%s %s  %s  %3d msgs  %s\n",
			marker, c.ID, c.UpdatedAt.Local().Format(time.DateTime), len(c.Messages), title)
	}
}

func chatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.connect(ctx); err != nil {
				return err
			}
			if flags.url != "" {
				if err := a.ctrl.LoadPage(ctx, flags.url); err != nil {
					a.view.ShowError(domain.MessageOf(err))
				}
			}
			return repl(ctx, a)
		},
	}
	cmd.Flags().StringVarP(&flags.url, "url", "u", "", "Page to load for /summarize and /ask")
	return cmd
}

const replHelp = `Commands:
  <text>            send a prompt
  /page <url>       load a page
  /summarize        summarize the loaded page
  /ask <question>   ask about the loaded page
  /new [topic]      start a new conversation (prompt|page)
  /clear [topic]    clear the active conversation
  /history [topic]  list conversations
  /quit             exit`

func repl(ctx context.Context, a *app) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	fmt.Println(color.HiBlackString("Type /help for commands."))
	for {
		fmt.Print(color.CyanString("> "))
		var line string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		if line == "/quit" || line == "/exit" {
			return nil
		}
		dispatch(ctx, a, line)
	}
}

// dispatch runs one REPL line. Controller methods put their own failures
// on the view; everything else is shown here.
func dispatch(ctx context.Context, a *app, line string) {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "":
	case "/help":
		fmt.Println(replHelp)
	case "/page":
		if err := a.ctrl.LoadPage(ctx, arg); err != nil {
			a.view.ShowError(domain.MessageOf(err))
			return
		}
		a.view.ShowNotice(fmt.Sprintf("Loaded %s (%d chars)", arg, len(a.ctrl.PageContent())))
	case "/summarize":
		p, err := a.ctrl.Summarize()
		if err == nil {
			follow(ctx, a, p)
		}
	case "/ask":
		p, err := a.ctrl.AskQuestion(arg)
		if err == nil {
			follow(ctx, a, p)
		}
	case "/new", "/clear", "/history":
		var args []string
		if arg != "" {
			args = []string{arg}
		}
		topic, err := parseTopic(args)
		if err != nil {
			a.view.ShowError(err.Error())
			return
		}
		switch cmd {
		case "/new":
			a.ctrl.StartNewConversation(ctx, topic)
		case "/clear":
			a.ctrl.ClearConversation(ctx, topic)
		default:
			printHistory(a, topic)
		}
	default:
		if strings.HasPrefix(cmd, "/") {
			a.view.ShowError("unknown command " + cmd + ", type /help")
			return
		}
		p, err := a.ctrl.SubmitPrompt(line)
		if err == nil {
			follow(ctx, a, p)
		}
	}
}

// follow waits for p. Stream errors were already rendered by the
// controller; an abandoned stream is reported here.
func follow(ctx context.Context, a *app, p *relay.Pending) {
	err := wait(ctx, p)
	if domain.IsKind(err, domain.ErrChannelDisconnected) {
		a.view.ShowError(domain.MessageOf(err))
	}
}
