// Backtest CLI: replays a recorded session through the full engine and
// prints the trade summary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pumpwatch/pumpwatch/internal/config"
	"github.com/pumpwatch/pumpwatch/internal/controller"
	"github.com/pumpwatch/pumpwatch/internal/db"
	"github.com/pumpwatch/pumpwatch/internal/events"
	"github.com/pumpwatch/pumpwatch/internal/market"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	strategyPath := flag.String("strategy", "", "path to strategy config JSON (required)")
	symbolsArg := flag.String("symbols", "", "comma-separated symbols (required)")
	sourceSession := flag.String("source", "", "recorded session to replay (required)")
	globalCap := flag.Float64("capital", 10000, "global margin cap in USD")
	accel := flag.Float64("accel", 0, "replay acceleration, 0 for full speed")
	flag.Parse()

	if *strategyPath == "" || *symbolsArg == "" || *sourceSession == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	strategyJSON, err := os.ReadFile(*strategyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read strategy config")
	}

	ctx := context.Background()
	database, err := db.New(ctx, cfg.Database.GetDSN(), cfg.Database.PoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	ctrl := controller.New(cfg, database, config.NewLogger("controller"))

	acceleration := *accel
	if acceleration <= 0 {
		// Anything past the pacing cap replays without delays.
		acceleration = market.MaxAcceleration + 1
	}

	id, err := ctrl.Start(ctx, controller.StartRequest{
		Mode:           events.ModeBacktest,
		Symbols:        strings.Split(*symbolsArg, ","),
		StrategyConfig: json.RawMessage(strategyJSON),
		Config: controller.SessionConfig{
			Budget:             controller.Budget{GlobalCap: *globalCap},
			SourceSession:      *sourceSession,
			AccelerationFactor: acceleration,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start backtest")
	}
	log.Info().Str("session_id", id).Str("source", *sourceSession).Msg("Backtest started")

	// The session stops itself once the replay drains.
	for {
		state := ctrl.State()
		if state != controller.StateRunning && state != controller.StateStopping {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if ctrl.State() == controller.StateFailed {
		log.Fatal().Str("session_id", id).Msg("Backtest failed")
	}

	printSummary(ctx, database, id)
}

func printSummary(ctx context.Context, database *db.DB, sessionID string) {
	orders, err := database.GetSessionOrders(ctx, sessionID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load orders")
	}
	positions, err := database.GetSessionPositions(ctx, sessionID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load positions")
	}

	var filled, rejected int
	var realised float64
	for _, o := range orders {
		switch o.Status {
		case events.OrderFilled:
			filled++
		case events.OrderRejected:
			rejected++
		}
		if o.RealisedPnL != nil {
			realised += *o.RealisedPnL
		}
	}

	var open int
	for _, p := range positions {
		if p.Status == events.PositionOpen {
			open++
		}
	}

	fmt.Printf("Session:      %s\n", sessionID)
	fmt.Printf("Orders:       %d (%d filled, %d rejected)\n", len(orders), filled, rejected)
	fmt.Printf("Positions:    %d (%d still open)\n", len(positions), open)
	fmt.Printf("Realised PnL: %.2f USD\n", realised)
}
