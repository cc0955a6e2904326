package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/chat-relay/internal/config"
	relayerrors "github.com/alexjbarnes/chat-relay/internal/errors"
	"github.com/alexjbarnes/chat-relay/internal/logging"
	"github.com/alexjbarnes/chat-relay/internal/state"
	"github.com/alexjbarnes/chat-relay/relay"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("chat-relay starting",
		slog.String("version", Version),
		slog.String("relay", cfg.RelayHost),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client := relay.NewClient(cfg.BaseURL(), nil)
	codec := relay.NewCodec(client, cfg.DownloadDir, logger)

	console := newConsole(os.Stdout)

	session := relay.NewSession(relay.SessionConfig{
		Client:     client,
		Codec:      codec,
		State:      appState,
		ChannelURL: cfg.ChannelURL(),
		OnMessage:  console.onMessage,
		OnPresence: console.onPresence,
	}, logger)
	console.session = session

	if err := establish(ctx, session, cfg, logger); err != nil {
		return err
	}
	defer session.SignOut()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return console.loop(gctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// establish binds an identity: explicit credentials from the
// environment win, otherwise a persisted session is restored.
func establish(ctx context.Context, session *relay.Session, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Username != "" {
		if cfg.Signup {
			logger.Info("signing up", slog.String("username", cfg.Username))
			return session.SignUp(ctx, cfg.Username, cfg.Password)
		}

		logger.Info("signing in", slog.String("username", cfg.Username))
		return session.SignIn(ctx, cfg.Username, cfg.Password)
	}

	identity, err := session.Restore(ctx)
	if errors.Is(err, relayerrors.ErrNoSession) {
		return fmt.Errorf("no persisted session; set RELAY_USERNAME and RELAY_PASSWORD to sign in")
	}
	if err != nil {
		// The identity was restored but the channel could not be
		// established; surface it so the user knows the session is inert.
		return fmt.Errorf("restoring session for %s: %w", identity, err)
	}

	logger.Info("session restored", slog.String("identity", identity))

	return nil
}

// console is the line-oriented command surface over a bound session:
// the presentation remainder of the relay client, kept deliberately
// thin over the synchronization core.
type console struct {
	session *relay.Session
	out     *bufio.Writer
}

func newConsole(w *os.File) *console {
	return &console{out: bufio.NewWriter(w)}
}

func (c *console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format+"\n", args...)
	c.out.Flush()
}

// onMessage is called by the session for every appended message.
func (c *console) onMessage(msg relay.Message) {
	selected := ""
	if conv := c.session.Conversations(); conv != nil {
		selected = conv.Selected()
	}

	peer := msg.From
	if msg.From == c.session.Identity() {
		peer = msg.To
	}

	if peer == selected {
		c.printMessage(msg)
		return
	}

	c.printf("* new message from %s (select them to read)", msg.From)
}

// onPresence is called by the session when a peer's status changes.
func (c *console) onPresence(u relay.User) {
	status := "offline"
	if u.Online {
		status = "online"
	}
	c.printf("* %s is now %s", u.Username, status)
}

func (c *console) printMessage(msg relay.Message) {
	line := fmt.Sprintf("[%s] %s: %s", msg.Timestamp.Format("15:04"), msg.From, msg.Content)
	if msg.HasAttachment() {
		line += fmt.Sprintf(" (attachment: %s)", msg.FileName)
	}
	c.printf("%s", line)
}

func (c *console) loop(ctx context.Context) error {
	c.printf("signed in as %s; type /help for commands", c.session.Identity())

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

// handle executes one console command. Returns true to exit.
func (c *console) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/help":
		c.printf("commands: /users /select <peer> /show /send <text> /sendfile <path> /save <n> /logout /quit")

	case "/users":
		roster := c.session.Roster()
		if roster == nil {
			c.printf("not signed in")
			return false
		}
		for _, u := range roster.Users() {
			marker := " "
			if u.Online {
				marker = "*"
			}
			c.printf("%s %s", marker, u.Username)
		}

	case "/select":
		if arg == "" {
			c.printf("usage: /select <peer>")
			return false
		}
		c.session.SelectPeer(ctx, arg)
		c.showVisible(arg)

	case "/show":
		conv := c.session.Conversations()
		if conv == nil || conv.Selected() == "" {
			c.printf("no peer selected; use /select <peer>")
			return false
		}
		c.showVisible(conv.Selected())

	case "/send":
		peer := c.selectedPeer()
		if peer == "" {
			c.printf("no peer selected; use /select <peer>")
			return false
		}
		if err := c.session.SendText(ctx, peer, arg); err != nil {
			c.printf("send failed: %v", err)
		}

	case "/sendfile":
		peer := c.selectedPeer()
		if peer == "" {
			c.printf("no peer selected; use /select <peer>")
			return false
		}
		if err := c.session.SendFile(ctx, peer, arg); err != nil {
			c.printf("send failed: %v", err)
		}

	case "/save":
		c.saveAttachment(arg)

	case "/logout":
		c.session.SignOut()
		c.printf("signed out")
		return true

	case "/quit":
		return true

	default:
		c.printf("unknown command %q; type /help", cmd)
	}

	return false
}

func (c *console) selectedPeer() string {
	conv := c.session.Conversations()
	if conv == nil {
		return ""
	}
	return conv.Selected()
}

func (c *console) showVisible(peer string) {
	conv := c.session.Conversations()
	if conv == nil {
		return
	}
	for i, msg := range conv.VisibleFor(peer) {
		prefix := fmt.Sprintf("%3d ", i)
		line := fmt.Sprintf("%s[%s] %s: %s", prefix, msg.Timestamp.Format("15:04"), msg.From, msg.Content)
		if msg.HasAttachment() {
			line += fmt.Sprintf(" (attachment: %s, /save %d)", msg.FileName, i)
		}
		c.printf("%s", line)
	}
}

// saveAttachment materializes attachment n of the visible conversation.
func (c *console) saveAttachment(arg string) {
	peer := c.selectedPeer()
	if peer == "" {
		c.printf("no peer selected; use /select <peer>")
		return
	}

	n, err := strconv.Atoi(arg)
	if err != nil {
		c.printf("usage: /save <n>")
		return
	}

	visible := c.session.Conversations().VisibleFor(peer)
	if n < 0 || n >= len(visible) {
		c.printf("no message %d", n)
		return
	}

	path, err := c.session.SaveAttachment(visible[n])
	if err != nil {
		c.printf("save failed: %v", err)
		return
	}

	c.printf("saved to %s", path)
}
