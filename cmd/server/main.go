package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"quizrank/internal/api"
	"quizrank/internal/config"
	"quizrank/internal/repo"
	"quizrank/internal/service"
	"quizrank/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	config.LoadConfig(*configPath)
	logger.InitLogger(config.GlobalConfig.Server.Mode)
	defer logger.Log.Sync()

	repo.InitDB()
	repo.InitRedis()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services := service.NewContainer(repo.DB, repo.RDB, *configPath)
	if err := services.Start(ctx); err != nil {
		logger.Log.Fatal("failed to start services", zap.Error(err))
	}

	if config.GlobalConfig.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(repo.DB, services)

	addr := ":" + config.GlobalConfig.Server.Port
	logger.Log.Info("server listening", zap.String("addr", addr))
	if err := router.Run(addr); err != nil {
		logger.Log.Fatal("server exited", zap.Error(err))
	}
}
