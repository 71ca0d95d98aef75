package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/supportsync/supportsync-go/internal/chat"
	"github.com/supportsync/supportsync-go/internal/config"
	"github.com/supportsync/supportsync-go/internal/domain"
	"github.com/supportsync/supportsync-go/internal/rest"
	"github.com/supportsync/supportsync-go/internal/timeline"
	"github.com/supportsync/supportsync-go/internal/transport"
	"github.com/supportsync/supportsync-go/internal/upload"
)

func main() {
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	category := flag.String("category", string(domain.CategoryGeneral), "issue category: TECHNICAL, BILLING, PRODUCT or GENERAL")
	title := flag.String("title", "", "issue title (pre-chat form)")
	desc := flag.String("desc", "", "issue description (pre-chat form)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	wsURL, err := transport.DeriveWSURL(cfg.Server.BaseURL, cfg.Server.WSPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to derive websocket URL")
	}

	user := domain.NewCustomer(cfg.User.ID, cfg.User.Username)
	api := rest.NewClient(cfg.Server.BaseURL, cfg.Auth.APIKey, cfg.Server.Timeout)
	manager := transport.NewManager(transport.Options{
		URL:             wsURL,
		AuthHeader:      cfg.Auth.APIKey,
		ClientHeartbeat: cfg.Transport.ClientHeartbeat,
		ServerHeartbeat: cfg.Transport.ServerHeartbeat,
		ReconnectDelay:  cfg.Transport.ReconnectDelay,
	})
	tl := timeline.New()
	uploads := upload.NewPipeline(api, tl)

	coord, err := chat.NewCoordinator(user, api, manager, tl, uploads)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build coordinator")
	}
	defer coord.Close()

	go watchStatus(coord)
	go printMessages(tl)

	ctx := context.Background()
	if err := coord.StartSession(ctx, domain.IssueCategory(strings.ToUpper(*category)), *title, *desc); err != nil {
		log.Fatal().Err(err).Msg("Failed to start session")
	}
	if id, ok := coord.SessionID(); ok {
		fmt.Printf("session %d started. Type a message, /image <path>, /discard or /quit\n", id)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/discard":
			coord.DiscardPendingImage()
			fmt.Println("pending image discarded")
		case strings.HasPrefix(line, "/image "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/image "))
			data, err := os.ReadFile(path)
			if err != nil {
				fmt.Printf("cannot read %s: %v\n", path, err)
				continue
			}
			if url, err := coord.UploadImage(ctx, data); err == nil {
				fmt.Printf("image ready to attach: %s\n", url)
			}
		default:
			coord.SendMessage(line)
		}
	}
}

func watchStatus(coord *chat.Coordinator) {
	updates, cancel := coord.Status().Watch()
	defer cancel()
	for u := range updates {
		if u.Err != "" {
			fmt.Printf("[%s] %s\n", u.State, u.Err)
		} else {
			fmt.Printf("[%s]\n", u.State)
		}
	}
}

func printMessages(tl *timeline.Timeline) {
	snapshot, ch, cancel := tl.Subscribe()
	defer cancel()
	for _, msg := range snapshot {
		printMessage(msg)
	}
	for msg := range ch {
		printMessage(msg)
	}
}

func printMessage(msg domain.Message) {
	sender := "?"
	if msg.Sender != nil {
		sender = msg.Sender.Username
	}
	switch c := msg.Content.(type) {
	case domain.ImageContent:
		fmt.Printf("%s: [image %s] %s\n", sender, c.URL, c.Caption)
	case domain.VoiceContent:
		fmt.Printf("%s: [voice %s]\n", sender, c.URL)
	default:
		fmt.Printf("%s: %s\n", sender, msg.Content.Text())
	}
}
