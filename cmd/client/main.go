package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Tyrowin/roomchat/internal/client"
	"github.com/Tyrowin/roomchat/internal/logger"
	"github.com/Tyrowin/roomchat/internal/protocol"
)

const usage = `commands:
  /report         list the members of the room
  /join <name>    join the room
  /quit           leave the room and exit
anything else is sent as a chat line`

func main() {
	addr := flag.String("addr", "127.0.0.1:18000", "server address")
	keepalive := flag.Duration("keepalive", 150*time.Second, "keepalive interval (0 disables)")
	retry := flag.Duration("retry", 2*time.Second, "wait between reconnect attempts")
	tries := flag.Uint("tries", 5, "consecutive failed dials before giving up (0 retries forever)")
	logLevel := flag.String("log-level", "warn", "debug, info, warn or error")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r := client.NewReconnector(*addr, client.ReconnectOptions{
		Client: client.Options{
			KeepaliveInterval: *keepalive,
			Logger:            logger.New(*logLevel),
		},
		RetryInterval: *retry,
		MaxTries:      *tries,
	})

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	go printEvents(r.Events())
	go readCommands(r, stop)

	fmt.Println(usage)
	if err := <-done; err != nil {
		fmt.Fprintf(os.Stderr, "roomchat: %v\n", err)
		os.Exit(1)
	}
}

func readCommands(r *client.Reconnector, stop context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		var err error
		switch {
		case line == "":
			continue
		case line == "/report":
			err = r.Report()
		case line == "/quit":
			err = r.Quit()
		case strings.HasPrefix(line, "/join "):
			err = r.Join(strings.TrimSpace(strings.TrimPrefix(line, "/join ")))
		case strings.HasPrefix(line, "/"):
			fmt.Println(usage)
		default:
			err = r.Say(line)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
	stop()
}

func printEvents(events <-chan protocol.Envelope) {
	for env := range events {
		switch env.Kind {
		case protocol.KindReportResponse:
			fmt.Printf("%d member(s) in the room\n", env.Count)
			if env.Text != "" {
				fmt.Println(env.Text)
			}
		case protocol.KindJoinAccept:
			fmt.Printf("joined as %s\n", env.Username)
			if env.Text != "" {
				fmt.Println(env.Text)
			}
		case protocol.KindJoinReject:
			fmt.Printf("join rejected: %s\n", env.Text)
		default:
			fmt.Println(env.Text)
		}
	}
}
