package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/NicolasHaas/gotalk/pkg/client"
	"github.com/NicolasHaas/gotalk/pkg/logging"
	"github.com/NicolasHaas/gotalk/pkg/protocol"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "gotalk-client: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	fs := pflag.NewFlagSet("gotalk-client", pflag.ContinueOnError)
	host := fs.StringP("host", "h", "127.0.0.1", "Server host")
	port := fs.IntP("port", "p", 12345, "Server port")
	user := fs.StringP("user", "u", "", "Username to log in with")
	wsURL := fs.String("ws", "", "Connect over WebSocket instead, e.g. ws://host:12346/ws")
	logLevel := fs.String("log-level", "warn", "Log level: "+logging.LevelNames())
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *user == "" {
		return errors.New("--user is required")
	}

	// GOTALK_LOG_FORMAT picks json output the same way the server does.
	if err := logging.Setup(logging.Options{
		Level:  *logLevel,
		Format: os.Getenv("GOTALK_LOG_FORMAT"),
		Output: os.Stderr,
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		c   *client.Client
		err error
	)
	if *wsURL != "" {
		c, err = client.DialWebSocket(ctx, *wsURL, client.Options{})
	} else {
		c, err = client.Dial(ctx, net.JoinHostPort(*host, strconv.Itoa(*port)), client.Options{})
	}
	if err != nil {
		return err
	}
	defer c.Close()

	if _, err := c.Login(*user); err != nil {
		return err
	}
	log.Info().Str("user", *user).Msg("logged in")

	go printEvents(c, out)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- strings.TrimRight(sc.Text(), "\r")
		}
	}()

	fmt.Fprintln(out, "Enter a recipient, then a message. \"q\" quits.")
	var to string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			if err := c.Err(); err != nil {
				return err
			}
			fmt.Fprintln(out, "server closed the connection")
			return nil
		case line, ok := <-lines:
			if !ok || line == "q" {
				return nil
			}
			if to == "" {
				to = line
				continue
			}
			if err := c.SendTextMessage(to, line); err != nil {
				fmt.Fprintf(out, "send failed: %v\n", err)
			}
			to = ""
		}
	}
}

func printEvents(c *client.Client, out io.Writer) {
	for env := range c.Events() {
		switch cmd := env.Command.(type) {
		case protocol.TextMessage:
			fmt.Fprintf(out, "[%s] %s\n", cmd.From.Name, cmd.Body)
		case protocol.UserState:
			fmt.Fprintf(out, "* %s is %s\n", cmd.User.Name, cmd.State)
		case protocol.Ack:
			log.Debug().Int64("ack", cmd.MessageID).Msg("acknowledged")
		}
	}
}
