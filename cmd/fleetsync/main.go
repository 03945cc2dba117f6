package main

import (
	"flag"
	"os"
	"time"

	fleetsync "github.com/openattend/fleet-sync"
)

var (
	flagPostgres = flag.String("db", "user=postgres dbname=fleetsync sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagBindAddr = flag.String("port", ":8020", "Bind address for metrics and health")
	flagInterval = flag.Duration("interval", 120*time.Second, "Fleet sweep interval")
	flagWebhook  = flag.String("webhook", "", "Optional webhook URL for failure notifications")
)

func main() {
	flag.Parse()
	if *flagPostgres == "" {
		flag.Usage()
		os.Exit(1)
	}
	fleetsync.RunFleetSyncServer(fleetsync.Opts{
		PostgresURI: *flagPostgres,
		BindAddr:    *flagBindAddr,
		Interval:    *flagInterval,
		WebhookURL:  *flagWebhook,
		SentryDSN:   os.Getenv("FLEETSYNC_SENTRY_DSN"),
		OTLPURL:     os.Getenv("FLEETSYNC_OTLP_URL"),
		OTLPUser:    os.Getenv("FLEETSYNC_OTLP_USER"),
		OTLPPass:    os.Getenv("FLEETSYNC_OTLP_PASS"),
	})
}
