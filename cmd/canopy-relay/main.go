// Command canopy-relay is an AWS Lambda function that forwards DynamoDB
// stream records of the items table to canopy servers.
//
// Configuration comes from the environment: CANOPY_RELAY_SERVERS is a
// comma-separated list of server base URLs, CANOPY_RELAY_TIMEOUT bounds each
// post and CANOPY_LOG_LEVEL sets the log level.
package main

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/jacentio/canopy/internal/config"
	"github.com/jacentio/canopy/store/dynamo"
	"github.com/jacentio/canopy/stream"
)

func main() {
	cfg, err := config.Load(config.New(), "")
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	level, _ := cfg.Log.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	pub := stream.NewHTTPPublisher(cfg.Relay.Servers, &http.Client{Timeout: cfg.Relay.Timeout})
	if len(pub.Servers()) == 0 {
		logger.Error("no servers configured; set CANOPY_RELAY_SERVERS")
		os.Exit(1)
	}
	logger.Info("relay starting", "servers", pub.Servers())

	h := stream.NewHandler(pub, dynamo.DefaultConfig().CounterID, logger, nil)
	lambda.Start(h.HandleRecords)
}
