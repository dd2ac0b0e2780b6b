package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/kiliankoe/quizsync/internal/config"
	"github.com/kiliankoe/quizsync/internal/leaderboard"
	"github.com/kiliankoe/quizsync/internal/logging"
	"github.com/kiliankoe/quizsync/internal/quiz"
	"github.com/kiliankoe/quizsync/internal/replica"
	"github.com/kiliankoe/quizsync/internal/session"
	"github.com/kiliankoe/quizsync/internal/transport/wsclient"
	"github.com/rs/zerolog/log"
)

const version = "v0.3.0-dev"

// The table cube every hosted session starts with.
var cube = session.PropSpec{
	ID:   "prop/cube",
	Pose: replica.Pose{Position: replica.Vec3{Y: 1}, Rotation: replica.Identity},
}

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		relayFlag   = flag.String("relay", "", "Relay websocket URL (overrides RELAY_URL env var)")
		keyFlag     = flag.String("key", "", "Session key (overrides SESSION_KEY env var)")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`quizclient - play the multiplayer quiz from a terminal

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --relay URL     Relay websocket URL (default: ws://localhost:8080/ws or RELAY_URL)
  --key KEY       Session key to join or host (default: QuizBuilderRoom or SESSION_KEY)

Environment Variables:
  SESSION_CAPACITY    Players per hosted session (default: 10)
  PLAYER_PREFIX       Display name prefix (default: Player_)
  QUESTIONS_FILE      YAML question database (default: built-in questions)
  EXPORT_ENABLED      Export results to file when the quiz ends (default: true)
  EXPORT_FILE         Path to export results (default: ./quiz-results.txt)

The first client to use a key hosts the session, everyone after joins it.
`, os.Args[0])
		return
	}
	if *showVersion {
		fmt.Printf("quizclient %s\n", version)
		return
	}

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	if *relayFlag != "" {
		cfg.RelayURL = *relayFlag
	}
	if *keyFlag != "" {
		cfg.SessionKey = *keyFlag
	}

	db, err := quiz.Load(cfg.QuestionsFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load questions")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	coord := session.New(wsclient.New(cfg.RelayURL), session.Options{
		NamePrefix: cfg.PlayerPrefix,
		Threshold:  cfg.Threshold(),
		Props:      []session.PropSpec{cube},
		Listener:   session.ListenerFunc(render),
	})
	runDone := make(chan struct{})
	go func() {
		_ = coord.Run(ctx)
		close(runDone)
	}()

	role, err := coord.DiscoverOrHost(ctx, cfg.SessionKey, cfg.SessionCapacity)
	if err != nil {
		log.Fatal().Err(err).Str("key", cfg.SessionKey).Msg("could not start a session")
	}
	fmt.Printf("You are the %s of %q.\n", strings.ToLower(string(role)), cfg.SessionKey)

	if err := play(ctx, coord, db); err != nil {
		log.Error().Err(err).Msg("quiz aborted")
	}

	entries, err := coord.Leaderboard(ctx)
	if err == nil {
		fmt.Print(leaderboard.Text(entries))
		if cfg.ExportEnabled {
			if err := leaderboard.ExportFile(cfg.ExportFile, cfg.SessionKey, entries); err != nil {
				log.Error().Err(err).Str("file", cfg.ExportFile).Msg("failed to export results")
			} else {
				log.Info().Str("file", cfg.ExportFile).Msg("exported results")
			}
		}
	}

	_ = coord.Shutdown(context.Background())
	stop()
	<-runDone
}

// play walks the question database, answering from stdin.
func play(ctx context.Context, coord *session.Coordinator, db *quiz.Database) error {
	round := quiz.NewRound(db)
	in := bufio.NewScanner(os.Stdin)
	if db.Title != "" {
		fmt.Printf("\n== %s ==\n", db.Title)
	}
	for {
		q, n, ok := round.Current()
		if !ok {
			fmt.Printf("Quiz completed. Your score: %d\n", round.Score())
			return nil
		}
		fmt.Printf("\nQuestion %d/%d: %s\n", n, round.Len(), q.Text)
		for i, a := range q.Answers {
			fmt.Printf("  %d) %s\n", i+1, a)
		}
		fmt.Print("> ")
		if !in.Scan() {
			return in.Err()
		}
		choice, err := strconv.Atoi(strings.TrimSpace(in.Text()))
		if err != nil {
			fmt.Println("Please enter the number of an answer.")
			continue
		}
		res, err := round.Submit(choice - 1)
		if err != nil {
			fmt.Println("Please enter the number of an answer.")
			continue
		}
		if !res.Correct {
			fmt.Println("Incorrect.")
			continue
		}
		fmt.Printf("Correct! +%d\n", res.Points)
		if err := coord.AddScore(ctx, res.Points); err != nil {
			return err
		}
	}
}

func render(ev session.Event) {
	switch ev.Kind {
	case session.EventStatusChanged:
		fmt.Printf("[%s] %s\n", ev.Status, ev.Message)
	case session.EventParticipantListChanged:
		names := make([]string, 0, len(ev.Participants))
		for _, p := range ev.Participants {
			names = append(names, p.Name)
		}
		fmt.Printf("Players in Room: %s\n", strings.Join(names, ", "))
	case session.EventLeaderboardChanged:
		fmt.Print(leaderboard.Text(ev.Leaderboard))
	}
}
