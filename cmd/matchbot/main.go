package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quizrank/internal/bot"
	"quizrank/internal/config"
	"quizrank/internal/platform"
	"quizrank/internal/service/roster"
	"quizrank/pkg/logger"

	"go.uber.org/zap"
)

func main() {
	var (
		configPath  = flag.String("config", "config.yaml", "path to config file")
		callbackURL = flag.String("callback", "", "base URL of the match callback endpoints")
		rosterJSON  = flag.String("roster", "", "expected roster as a JSON array")
		rulesJSON   = flag.String("rules", "", "rule overrides as JSON")
		categoryTag = flag.String("category", "", "category tag from the catalog")
		startedAt   = flag.String("started-at", "", "match start time, RFC3339")
		roomCode    = flag.String("room", "", "join this room instead of creating one")
		token       = flag.String("token", "", "bearer token for the callback endpoints")
	)
	flag.Parse()

	config.LoadConfig(*configPath)
	logger.InitLogger(config.GlobalConfig.Server.Mode)
	defer logger.Log.Sync()

	category := config.GlobalConfig.Category(*categoryTag)
	if category == nil {
		logger.Log.Fatal("unknown category", zap.String("tag", *categoryTag))
	}

	var expected []roster.ExpectedPlayer
	if *rosterJSON != "" {
		if err := json.Unmarshal([]byte(*rosterJSON), &expected); err != nil {
			logger.Log.Fatal("malformed roster", zap.Error(err))
		}
	}
	var overrides *platform.Rules
	var tagOverrides []platform.TagOp
	if *rulesJSON != "" {
		var ov bot.RuleOverrides
		if err := json.Unmarshal([]byte(*rulesJSON), &ov); err != nil {
			logger.Log.Fatal("malformed rule overrides", zap.Error(err))
		}
		overrides = &ov.Rules
		tagOverrides = ov.TagOps
	}
	var started time.Time
	if *startedAt != "" {
		var err error
		started, err = time.Parse(time.RFC3339, *startedAt)
		if err != nil {
			logger.Log.Fatal("malformed start time", zap.Error(err))
		}
	}

	connector := bot.NewPlatformConnector(config.GlobalConfig.Platform.APIBase)
	deliverer := bot.NewHTTPDeliverer(*callbackURL+"/result", *callbackURL+"/cancelled", *token)

	session := bot.NewSession(connector, deliverer, bot.Options{
		Category:  *category,
		Expected:  expected,
		Overrides: overrides,
		TagOps:    bot.ResolveTagOps(*category, tagOverrides),
		Nickname:  config.GlobalConfig.Platform.BotNickname,
		GameType:  config.GlobalConfig.Platform.GameType,
		RoomName:  category.Name,
		RoomCode:  *roomCode,
		StartedAt: started,
	})

	// SIGTERM from the server (admin termination) cancels the session, which
	// still reports a cancellation callback before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Log.Info("matchbot starting",
		zap.String("sessionID", session.ID),
		zap.String("category", category.Tag),
		zap.String("room", *roomCode),
		zap.Int("expected", len(expected)),
	)

	if err := session.Run(ctx); err != nil {
		logger.Log.Error("session failed", zap.String("sessionID", session.ID), zap.Error(err))
		os.Exit(1)
	}
}
