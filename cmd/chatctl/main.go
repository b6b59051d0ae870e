// Command chatctl is a terminal client for hirechat. It runs a full client
// session (push channel with polling fallback) against a server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/karthikraju391/hirechat/channel"
	"github.com/karthikraju391/hirechat/config"
	"github.com/karthikraju391/hirechat/models"
	"github.com/karthikraju391/hirechat/restclient"
	"github.com/karthikraju391/hirechat/session"
)

const usage = `usage: chatctl [flags] <command>

commands:
  send           send --text to --to
  watch          print the conversation with --to as it changes
  inbox          print the inbox
  notifications  print notifications

flags:
`

func main() {
	var (
		apiURL  = pflag.String("api", "http://127.0.0.1:8080", "base URL of the REST API")
		wsURL   = pflag.String("ws", "ws://127.0.0.1:8080/ws", "websocket endpoint")
		userID  = pflag.StringP("user", "u", "", "your user id")
		name    = pflag.String("name", "", "your display name")
		to      = pflag.String("to", "", "counterpart user id")
		toName  = pflag.String("to-name", "", "counterpart display name")
		jobID   = pflag.String("job", "", "job id for a job-scoped conversation")
		text    = pflag.StringP("text", "t", "", "message text for send")
		timeout = pflag.Duration("timeout", 10*time.Second, "per-request timeout")
		verbose = pflag.BoolP("verbose", "v", false, "log transport events")
	)
	pflag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		pflag.PrintDefaults()
	}
	pflag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *userID == "" || pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fail(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	me := models.User{ID: *userID, Name: *name}
	header := http.Header{}
	header.Set(models.UserHeader, me.ID)
	ch := channel.New(channel.Options{
		URL:          *wsURL,
		UserID:       me.ID,
		Dialer:       channel.WSDialer{Header: header},
		Reconnect:    cfg.Reconnect,
		Polling:      cfg.Polling,
		FetchTimeout: *timeout,
	})
	sess := session.New(me, ch, restclient.New(*apiURL, me.ID, *timeout), session.Options{
		DedupWindow:  cfg.Chat.DedupWindow,
		WriteTimeout: *timeout,
	})
	if err := sess.Start(ctx); err != nil {
		fail(err)
	}
	defer sess.Close()

	counterpart := models.User{ID: *to, Name: *toName}
	switch pflag.Arg(0) {
	case "send":
		conv, err := sess.OpenConversation(ctx, counterpart, *jobID)
		if err != nil {
			fail(err)
		}
		msg, err := conv.Send(ctx, *text)
		if err != nil {
			fail(err)
		}
		fmt.Printf("sent %s\n", msg.ID)
		// give the echo a moment so the push path can confirm it
		time.Sleep(200 * time.Millisecond)

	case "watch":
		conv, err := sess.OpenConversation(ctx, counterpart, *jobID)
		if err != nil {
			fail(err)
		}
		watch(ctx, conv)

	case "inbox":
		for _, row := range sess.Inbox() {
			fmt.Printf("%-20s %3d unread  %s  %s\n", row.CounterpartName, row.Unread,
				row.LastActivity.Local().Format("Jan 2 15:04"), row.LastMessage)
		}

	case "notifications":
		for _, n := range sess.Notifications() {
			mark := " "
			if !n.Read {
				mark = "*"
			}
			fmt.Printf("%s %s  %s: %s\n", mark, n.CreatedAt.Local().Format("Jan 2 15:04"), n.Title, n.Message)
		}

	default:
		pflag.Usage()
		os.Exit(2)
	}
}

func watch(ctx context.Context, conv *session.Conversation) {
	shown := 0
	typing := false
	render := func() {
		view := conv.View(0)
		for _, e := range view[min(shown, len(view)):] {
			if e.Separator {
				fmt.Printf("--- %s ---\n", e.Label)
				continue
			}
			who := e.Message.SenderName
			if e.Message.IsTemporary() {
				who += " (sending)"
			}
			fmt.Printf("[%s] %s: %s\n", e.Message.CreatedAt.Local().Format("15:04"), who, e.Message.Text)
		}
		shown = len(view)
		if t := conv.CounterpartTyping(); t != typing {
			typing = t
			if t {
				fmt.Printf("%s is typing...\n", conv.Counterpart().Name)
			}
		}
		conv.MarkRead()
	}

	render()
	for {
		select {
		case <-ctx.Done():
			return
		case <-conv.Updates():
			render()
		}
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "chatctl:", err)
	os.Exit(1)
}
