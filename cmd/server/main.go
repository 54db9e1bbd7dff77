// Command server 启动 LLM 中继网关。
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/pkg/logger"

	"go.uber.org/zap"
	"golang.org/x/term"
)

func main() {
	logger.InitBootstrap()

	app, err := initializeApplication()
	if err != nil {
		logger.L().Fatal("initialize application failed", zap.Error(err))
	}
	defer app.Cleanup()

	cfg := app.Config
	if err := initLogger(cfg); err != nil {
		logger.L().Fatal("init logger failed", zap.Error(err))
	}
	defer logger.Sync()

	if err := bootstrapAdminPassword(cfg); err != nil {
		logger.L().Fatal("admin password bootstrap failed", zap.Error(err))
	}

	ctx := context.Background()
	if err := app.Migrations.RunBootMigrations(ctx); err != nil {
		logger.L().Fatal("boot migrations failed", zap.Error(err))
	}
	if err := app.Jobs.Start(); err != nil {
		logger.L().Fatal("start scheduled jobs failed", zap.Error(err))
	}

	go func() {
		logger.L().Info("http server listening", zap.String("addr", app.Server.Addr))
		if err := app.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.L().Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Server.Shutdown(shutdownCtx); err != nil {
		logger.L().Warn("graceful shutdown incomplete", zap.Error(err))
	}
}

func initLogger(cfg *config.Config) error {
	return logger.Init(logger.InitOptions{
		Level:           cfg.Log.Level,
		Format:          cfg.Log.Format,
		ServiceName:     cfg.Log.ServiceName,
		Environment:     cfg.Log.Environment,
		Caller:          cfg.Log.Caller,
		StacktraceLevel: cfg.Log.StacktraceLevel,
		Output: logger.OutputOptions{
			ToStdout: cfg.Log.Output.ToStdout,
			ToFile:   cfg.Log.Output.ToFile,
			FilePath: cfg.Log.Output.FilePath,
		},
		Rotation: logger.RotationOptions{
			MaxSizeMB:  cfg.Log.Rotation.MaxSizeMB,
			MaxBackups: cfg.Log.Rotation.MaxBackups,
			MaxAgeDays: cfg.Log.Rotation.MaxAgeDays,
			Compress:   cfg.Log.Rotation.Compress,
			LocalTime:  cfg.Log.Rotation.LocalTime,
		},
	})
}

// bootstrapAdminPassword 管理口令未配置时的兜底：
// 交互终端提示输入，非交互环境生成随机口令并打印一次。
func bootstrapAdminPassword(cfg *config.Config) error {
	if cfg.Admin.Password != "" {
		return nil
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Print("Admin password not configured. Enter password: ")
		password, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		if len(password) < 8 {
			return errors.New("password must be at least 8 characters")
		}
		cfg.Admin.Password = string(password)
		return nil
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return err
	}
	cfg.Admin.Password = hex.EncodeToString(buf)
	logger.L().Warn("admin password not configured, generated one-time password",
		zap.String("username", cfg.Admin.Username),
		zap.String("password", cfg.Admin.Password))
	return nil
}
