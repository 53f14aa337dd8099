// Package main — точка входа демона зеркалирования каналов.
// Парсит флаги, загружает конфигурацию, настраивает логирование, открывает
// пул соединений Postgres и передаёт управление supervisor-у, обеспечивая
// graceful shutdown по SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kurtskinny/mirrorsync/internal/infra/config"
	"github.com/kurtskinny/mirrorsync/internal/infra/logger"
	"github.com/kurtskinny/mirrorsync/internal/store/postgres"
	"github.com/kurtskinny/mirrorsync/internal/supervisor"
)

// main поднимает окружение, стартует supervisor и блокируется до завершения.
// Порядок:
//  1. bootstrap: базовый log с префиксом времени, до инициализации zap,
//  2. flags/env: путь к .env,
//  3. config: загрузка и предупреждения,
//  4. logger: уровень и файловый sink поверх stdout/stderr,
//  5. signals: контекст с отменой по Ctrl+C/SIGTERM (stop обязателен к вызову),
//  6. postgres: открытие пула,
//  7. supervisor: New + Run(ctx), блокируется до shutdown.
func main() {
	log.SetFlags(0)
	log.SetPrefix(time.Now().Format("2006-01-02 15:04:05 "))

	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	env := config.Env()

	logger.Init(env.LogLevel)
	logger.EnableFileSink(env.LogFile)
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, env.DatabaseURL)
	if err != nil {
		logger.Fatal("postgres connect failed: " + err.Error())
	}
	defer db.Close()

	sup, err := supervisor.New(env, db)
	if err != nil {
		logger.Fatal("supervisor init failed: " + err.Error())
	}

	logger.Info("mirrorsync starting")
	if err := sup.Run(ctx); err != nil {
		logger.Fatal("supervisor run failed: " + err.Error())
	}
	logger.Info("graceful shutdown complete")
}
