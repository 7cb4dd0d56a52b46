// Command simulate replays synthetic human and bot sessions against a running
// trustscore server and prints how each was scored.
//
// Usage:
//
//	go run ./cmd/simulate -humans 20 -bots 5
//	go run ./cmd/simulate -brokers localhost:9092   # send events through Kafka
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mbd888/trustscore/internal/ingest"
	"github.com/mbd888/trustscore/internal/logging"
	"github.com/mbd888/trustscore/internal/simulate"
)

func main() {
	var (
		apiURL  = flag.String("api", envOrDefault("TRUSTSCORE_API_URL", "http://localhost:8080"), "trustscore base URL")
		humans  = flag.Int("humans", 10, "human sessions to generate")
		bots    = flag.Int("bots", 3, "bot sessions to generate")
		seed    = flag.Uint64("seed", 0, "faker seed (0 = random)")
		brokers = flag.String("brokers", os.Getenv("KAFKA_BROKERS"), "comma-separated Kafka brokers; empty sends over HTTP")
		topic   = flag.String("topic", envOrDefault("KAFKA_TOPIC", "session-events"), "Kafka topic")
		settle  = flag.Duration("settle", 2*time.Second, "wait after publishing before scoring")
	)
	flag.Parse()

	logger := logging.New(envOrDefault("LOG_LEVEL", "info"), "text")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []simulate.ReplayerOption{simulate.WithLogger(logger)}
	if *brokers != "" {
		cl, err := ingest.NewKafkaProducerClient(strings.Split(*brokers, ","), *topic)
		if err != nil {
			logger.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
		defer cl.Close()
		opts = append(opts, simulate.WithPublisher(ingest.NewProducer(cl, *topic), *settle))
	}

	gen := simulate.NewGenerator(*seed, 0, 0)
	replayer := simulate.NewReplayer(*apiURL, opts...)

	plan := make([]simulate.Kind, 0, *humans+*bots)
	for range *humans {
		plan = append(plan, simulate.KindHuman)
	}
	for range *bots {
		plan = append(plan, simulate.KindBot)
	}

	enc := json.NewEncoder(os.Stdout)
	failed := 0
	for _, kind := range plan {
		if ctx.Err() != nil {
			break
		}
		res, err := replayer.Replay(ctx, gen.Generate(kind, time.Now()))
		if err != nil {
			failed++
			logger.Error("replay failed", "kind", kind, "error", err)
			continue
		}
		logger.Info("session scored",
			"session_id", res.SessionID,
			"kind", res.Kind,
			"events", res.Events,
			"risk_level", res.Level,
			"decision", res.Decision,
		)
		_ = enc.Encode(res)
	}

	if failed > 0 {
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
