package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"travelchat/client"
	"travelchat/logger"
	"travelchat/models"
)

type Config struct {
	URL          string
	AdminKey     string
	IdentityFile string
	Name         string
	PollInterval time.Duration
	LogLevel     string
}

func main() {
	conf := parseFlags()

	logg, err := logger.New(conf.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logg.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api := client.NewAPIClient(conf.URL)
	opts := client.SessionOptions{PollInterval: conf.PollInterval, Log: logg}
	if opts.PollInterval <= 0 {
		opts.PollInterval = serverPollInterval(ctx, api, logg)
	}

	if conf.AdminKey != "" {
		err = runAdmin(ctx, api.WithAdminKey(conf.AdminKey), opts)
	} else {
		err = runGuest(ctx, api, conf, opts)
	}
	if err != nil && ctx.Err() == nil {
		logg.Fatal("chat client failed", zap.Error(err))
	}
}

func parseFlags() Config {
	conf := Config{}
	flag.StringVar(&conf.URL, "url", "http://localhost:8080", "Chat server URL")
	flag.StringVar(&conf.AdminKey, "admin-key", os.Getenv("CHAT_ADMIN_API_KEY"), "Admin API key (admin mode)")
	flag.StringVar(&conf.IdentityFile, "identity", ".chat_identity.json", "Guest identity file")
	flag.StringVar(&conf.Name, "name", "", "Guest display name")
	flag.DurationVar(&conf.PollInterval, "poll", 0, "Poll interval (default: server setting)")
	flag.StringVar(&conf.LogLevel, "log-level", "warn", "Log level")
	flag.Parse()
	return conf
}

// serverPollInterval берет интервал опроса из настроек сервера
func serverPollInterval(ctx context.Context, api *client.APIClient, logg *zap.Logger) time.Duration {
	settings, err := api.Settings(ctx)
	if err != nil {
		logg.Warn("failed to load server settings, using default poll interval", zap.Error(err))
		return client.DefaultPollInterval
	}
	return settings.PollInterval()
}

// printer печатает только еще не показанные сообщения
type printer struct {
	mu      sync.Mutex
	printed map[int64]struct{}
}

func newPrinter() *printer {
	return &printer{printed: make(map[int64]struct{})}
}

func (p *printer) print(messages []models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range messages {
		if _, ok := p.printed[m.ID]; ok {
			continue
		}
		p.printed[m.ID] = struct{}{}
		fmt.Printf("[%s] %s: %s", m.CreatedAt.Local().Format("15:04:05"), m.AuthorDisplayName, m.Body)
		for _, u := range m.AttachmentURLs {
			fmt.Printf(" <%s>", u)
		}
		fmt.Println()
	}
}

func runGuest(ctx context.Context, api *client.APIClient, conf Config, opts client.SessionOptions) error {
	identity, err := client.NewIdentityStore(conf.IdentityFile).GetOrCreate(ctx, api, conf.Name)
	if err != nil {
		return fmt.Errorf("failed to get guest identity: %w", err)
	}
	guest := api.WithGuestToken(identity.Token)
	fmt.Printf("Connected as %s (conversation %s). Type a message and press Enter.\n",
		identity.DisplayName, identity.ConversationID)

	rec := client.NewReconciler()
	out := newPrinter()
	opts.OnUpdate = func() { out.print(rec.Timeline(identity.ConversationID)) }
	opts.OnTyping = func(evt client.TypingEvent) {
		if evt.IsAdmin {
			fmt.Println("... support is typing")
		}
	}
	session := client.NewGuestSession(identity.ConversationID, guest, guest, rec, opts)
	go func() { _ = session.Run(ctx) }()

	return readLines(ctx, func(line string) {
		_ = session.SendTyping(identity.ConversationID)
		msg, err := guest.Send(ctx, client.SendRequest{ConversationID: identity.ConversationID, Body: line})
		if err != nil {
			fmt.Println("! not sent:", err)
			return
		}
		rec.Apply(msg)
		out.print(rec.Timeline(identity.ConversationID))
	})
}

// adminView - открытый сейчас диалог и его печать
type adminView struct {
	mu      sync.Mutex
	current string
	out     *printer
}

func (v *adminView) switchTo(conversationID string) {
	v.mu.Lock()
	v.current = conversationID
	v.out = newPrinter()
	v.mu.Unlock()
}

func (v *adminView) refresh(rec *client.Reconciler) {
	v.mu.Lock()
	current, out := v.current, v.out
	v.mu.Unlock()
	if current != "" {
		out.print(rec.Timeline(current))
	}
}

func runAdmin(ctx context.Context, admin *client.APIClient, opts client.SessionOptions) error {
	inbox := client.NewInbox()
	rec := client.NewReconciler()
	view := &adminView{}
	opts.OnUpdate = func() { view.refresh(rec) }
	session := client.NewAdminSession(admin, admin, inbox, rec, opts)
	opts.Log.Info("admin mode")
	go func() { _ = session.Run(ctx) }()

	fmt.Println("Commands: /list, /open <conversation>, /reply <conversation> <text>, /read <conversation>")
	return readLines(ctx, func(line string) {
		cmd, rest, _ := strings.Cut(line, " ")
		switch cmd {
		case "/list":
			for _, s := range inbox.Summaries() {
				fmt.Printf("%-44s %-20s unread=%d  %s\n", s.ConversationID, s.OtherPartyDisplayName,
					s.UnreadCount, s.LatestMessage.Body)
			}
		case "/open":
			conv := strings.TrimSpace(rest)
			view.switchTo(conv)
			if err := session.Open(ctx, conv); err != nil {
				fmt.Println("!", err)
				return
			}
			view.refresh(rec)
		case "/reply":
			conv, body, _ := strings.Cut(rest, " ")
			msg, err := admin.Send(ctx, client.SendRequest{ConversationID: conv, IsAdmin: true, Body: body})
			if err != nil {
				fmt.Println("! not sent:", err)
				return
			}
			inbox.ApplyPush(msg)
			rec.Apply(msg)
			view.refresh(rec)
		case "/read":
			conv := strings.TrimSpace(rest)
			n, err := admin.MarkRead(ctx, conv)
			if err != nil {
				fmt.Println("!", err)
				return
			}
			inbox.MarkRead(conv)
			fmt.Printf("marked %d messages read\n", n)
		default:
			fmt.Println("unknown command")
		}
	})
}

func readLines(ctx context.Context, handle func(string)) error {
	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case line := <-lines:
			if line = strings.TrimSpace(line); line != "" {
				handle(line)
			}
		}
	}
}
