package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/atriumhq/atrium/internal/bus"
	"github.com/atriumhq/atrium/internal/client"
	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/domain"
	"github.com/atriumhq/atrium/internal/media"
	"github.com/atriumhq/atrium/internal/persist"
	"github.com/atriumhq/atrium/internal/session"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Join the office",
	Long: `Connect to the room server and join the shared space.

Commands once connected:
  move X Y        walk to a position
  say TEXT        send a chat message (zone-scoped when inside a zone)
  join ZONE       enter a private zone
  leave           leave the current zone
  status S        set status: online, away, busy
  media           request mic and camera access
  mic             toggle microphone
  cam             toggle camera
  share on|off    toggle screen sharing
  call USER       call a peer directly
  hangup USER     end a call
  history         print chat history
  quit            disconnect and exit`,
	RunE: runConnect,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("atrium", version)
	},
}

func init() {
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(versionCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if endpoint != "" {
		cfg.Room.Endpoint = endpoint
	}
	if name != "" {
		cfg.DisplayName = name
	}

	events := bus.New()
	sess := session.New(cfg.Room, events)

	store, err := persist.NewStore(cfg.Persist.Path)
	if err != nil {
		log.Warn().Err(err).Msg("persistence disabled")
		store = nil
	} else {
		defer store.Close()
	}

	cli := client.BuildConfigured(cfg, events, sess, store, media.RTPOpener{}, media.NullSink{})
	cli.Run(ctx)
	defer cli.Close()

	events.Subscribe(bus.TopicChatMessage, func(payload any) {
		if msg, ok := payload.(domain.ChatMessage); ok {
			fmt.Printf("[%s] %s: %s\n", msg.Scope, msg.SenderID, msg.Body)
		}
	})
	events.Subscribe(bus.TopicError, func(payload any) {
		if err, ok := payload.(error); ok {
			log.Error().Err(err).Msg("client error")
		}
	})

	if err := sess.Connect(ctx); err != nil {
		return err
	}
	defer sess.Disconnect()

	fmt.Printf("connected to %s as %s\n", cfg.Room.Endpoint, cfg.DisplayName)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := runCommand(ctx, cli, line); quit {
				return nil
			}
		}
	}
}

func runCommand(ctx context.Context, cli *client.Client, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "move":
		if len(fields) != 3 {
			fmt.Println("usage: move X Y")
			return false
		}
		x, errX := strconv.ParseFloat(fields[1], 64)
		y, errY := strconv.ParseFloat(fields[2], 64)
		if errX != nil || errY != nil {
			fmt.Println("usage: move X Y")
			return false
		}
		cli.Move(x, y)
	case "say":
		cli.SendChat(strings.TrimSpace(strings.TrimPrefix(line, "say")))
	case "join":
		if len(fields) != 2 {
			fmt.Println("usage: join ZONE")
			return false
		}
		cli.JoinZone(domain.ZoneID(fields[1]))
	case "leave":
		cli.LeaveZone()
	case "status":
		if len(fields) != 2 {
			fmt.Println("usage: status online|away|busy")
			return false
		}
		cli.SetStatus(domain.Status(fields[1]))
	case "media":
		if err := cli.EnableMedia(ctx); err != nil {
			fmt.Println("media access failed:", err)
		}
	case "mic":
		fmt.Println("mic on:", cli.ToggleMic())
	case "cam":
		fmt.Println("camera on:", cli.ToggleCamera())
	case "share":
		if len(fields) != 2 || (fields[1] != "on" && fields[1] != "off") {
			fmt.Println("usage: share on|off")
			return false
		}
		cli.SetScreenShare(fields[1] == "on")
	case "call":
		if len(fields) != 2 {
			fmt.Println("usage: call USER")
			return false
		}
		if err := cli.Call(ctx, domain.UserID(fields[1])); err != nil {
			fmt.Println("call failed:", err)
		}
	case "hangup":
		if len(fields) != 2 {
			fmt.Println("usage: hangup USER")
			return false
		}
		cli.HangUp(domain.UserID(fields[1]))
	case "history":
		for _, msg := range cli.ChatHistory() {
			fmt.Printf("[%s] %s: %s\n", msg.Scope, msg.SenderID, msg.Body)
		}
	case "quit", "exit":
		return true
	default:
		fmt.Println("unknown command:", fields[0])
	}
	return false
}
