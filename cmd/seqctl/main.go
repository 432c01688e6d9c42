// seqctl - операторская утилита для sequence состояния: просмотр
// последнего выданного значения и ручное продвижение вперед при
// рассинхронизации с брокером. Запускается на остановленном процессе.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"copyd/internal/sequence"
	"copyd/storage"

	"github.com/lmittmann/tint"
)

func main() {
	dbPath := flag.String("db", "./copyd.db", "path to the sqlite database")
	jump := flag.Duration("jump", 30*time.Second, "how far to advance (for advance command)")
	flag.Parse()

	if flag.NArg() < 2 {
		usage()
		os.Exit(2)
	}

	command := flag.Arg(0)
	accountID := flag.Arg(1)

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	}))

	store, err := storage.New(*dbPath, logger)
	if err != nil {
		logger.Error("Failed to open database", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	switch command {
	case "inspect":
		value, err := store.LoadSequence(ctx, accountID)
		if err != nil {
			logger.Error("Failed to load sequence", slog.Any("error", err))
			os.Exit(1)
		}

		if value == 0 {
			fmt.Printf("%s: no sequence recorded\n", accountID)
			return
		}

		fmt.Printf("%s: last sequence %d (%s)\n", accountID, value,
			time.UnixMilli(value).UTC().Format(time.RFC3339))

	case "advance":
		authority := sequence.New(store, logger)

		if err := authority.JumpForward(ctx, accountID, *jump); err != nil {
			logger.Error("Failed to advance sequence", slog.Any("error", err))
			os.Exit(1)
		}

		value, err := store.LoadSequence(ctx, accountID)
		if err != nil {
			logger.Error("Failed to load sequence", slog.Any("error", err))
			os.Exit(1)
		}

		fmt.Printf("%s: sequence advanced to %d\n", accountID, value)

	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  seqctl [-db path] inspect <account-id>
  seqctl [-db path] [-jump 30s] advance <account-id>`)
}
