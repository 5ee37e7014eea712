/*
 * Copyright (c) 2019 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
// Command kinetic consumes a Kinesis stream and logs every record it reads.
//
//	kinetic [flags] <application-name> <stream-name> [region]
//
// Shard leases are kept in DynamoDB unless -lease-store says otherwise.
// Pressing enter, SIGINT or SIGTERM shuts the worker down, giving every shard
// a chance to checkpoint.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tolitius/kinetic/clientlibrary/config"
	"github.com/tolitius/kinetic/clientlibrary/database"
	"github.com/tolitius/kinetic/clientlibrary/leases"
	"github.com/tolitius/kinetic/clientlibrary/metrics"
	"github.com/tolitius/kinetic/clientlibrary/metrics/cloudwatch"
	"github.com/tolitius/kinetic/clientlibrary/metrics/prometheus"
	"github.com/tolitius/kinetic/clientlibrary/worker"
	"github.com/tolitius/kinetic/logger"
	"github.com/tolitius/kinetic/logger/zap"
	"github.com/tolitius/kinetic/logger/zerolog"
)

const (
	defaultRegion   = "us-east-1"
	shutdownTimeout = 20 * time.Second

	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

type options struct {
	applicationName string
	streamName      string
	region          string

	configPath       string
	leaseStore       string
	natsURL          string
	postgresDSN      string
	kinesisEndpoint  string
	dynamoDBEndpoint string
	metrics          string
	metricsAddr      string
	logger           string
	logLevel         string
	failurePolicy    string
	maxRetries       int
	workerID         string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "kinetic: %v\n", err)
		return exitUsage
	}

	var file *config.File
	if opts.configPath != "" {
		if file, err = config.LoadFile(opts.configPath); err != nil {
			fmt.Fprintf(stderr, "kinetic: %v\n", err)
			return exitUsage
		}
	}

	log := newLogger(opts, file)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w, cleanup, err := buildWorker(ctx, opts, file, log)
	if err != nil {
		log.Errorf("Unable to create worker: %+v", err)
		return exitFailure
	}
	defer cleanup()

	return serve(ctx, w, stdin, stdout, log)
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet("kinetic", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: kinetic [flags] <application-name> <stream-name> [region]")
		fs.PrintDefaults()
	}

	fs.StringVar(&opts.configPath, "config", "", "YAML file with worker settings")
	fs.StringVar(&opts.leaseStore, "lease-store", "dynamodb", "where leases are kept: dynamodb, nats, postgres or memory")
	fs.StringVar(&opts.natsURL, "nats-url", nats.DefaultURL, "NATS server for the nats lease store")
	fs.StringVar(&opts.postgresDSN, "postgres-dsn", "", "connection string for the postgres lease store")
	fs.StringVar(&opts.kinesisEndpoint, "kinesis-endpoint", "", "alternative Kinesis endpoint")
	fs.StringVar(&opts.dynamoDBEndpoint, "dynamodb-endpoint", "", "alternative DynamoDB endpoint")
	fs.StringVar(&opts.metrics, "metrics", "none", "metrics publisher: none, prometheus or cloudwatch")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", ":8080", "listen address of the prometheus endpoint")
	fs.StringVar(&opts.logger, "logger", "logrus", "logging library: logrus, zap or zerolog")
	fs.StringVar(&opts.logLevel, "log-level", logger.Info, "log level")
	fs.StringVar(&opts.failurePolicy, "failure-policy", "", "what a processing failure does: halt-process, isolate-partition or retry-n-times")
	fs.IntVar(&opts.maxRetries, "max-retries", 0, "processing attempts after the first with retry-n-times")
	fs.StringVar(&opts.workerID, "worker-id", "", "worker identifier, random when empty")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	rest := fs.Args()
	if len(rest) < 2 || len(rest) > 3 {
		fs.Usage()
		return nil, fmt.Errorf("expected application and stream names, and optionally a region, got %d arguments", len(rest))
	}
	opts.applicationName = rest[0]
	opts.streamName = rest[1]
	opts.region = defaultRegion
	if len(rest) == 3 {
		opts.region = rest[2]
	}

	switch opts.leaseStore {
	case "dynamodb", "memory", "nats":
	case "postgres":
		if opts.postgresDSN == "" {
			return nil, fmt.Errorf("-postgres-dsn is required with the postgres lease store")
		}
	default:
		return nil, fmt.Errorf("unknown lease store %q", opts.leaseStore)
	}

	switch opts.metrics {
	case "none", "prometheus", "cloudwatch":
	default:
		return nil, fmt.Errorf("unknown metrics publisher %q", opts.metrics)
	}

	switch opts.logger {
	case "logrus", "zap", "zerolog":
	default:
		return nil, fmt.Errorf("unknown logger %q", opts.logger)
	}

	if opts.failurePolicy != "" {
		if _, err := config.ParseFailurePolicy(opts.failurePolicy); err != nil {
			return nil, err
		}
	}
	if opts.maxRetries < 0 {
		return nil, fmt.Errorf("-max-retries cannot be negative")
	}
	return opts, nil
}

func newLogger(opts *options, file *config.File) logger.Logger {
	cfg := logger.Configuration{
		EnableConsole: true,
		ConsoleLevel:  opts.logLevel,
	}
	if file != nil && file.Logging != nil {
		cfg = *file.Logging
	}

	switch opts.logger {
	case "zap":
		return zap.NewZapLoggerWithConfig(cfg)
	case "zerolog":
		return zerolog.NewZerologLoggerWithConfig(cfg)
	default:
		return logger.NewLogrusLoggerWithConfig(cfg)
	}
}

// newConfig layers the flags over the file over the defaults.
func newConfig(opts *options, file *config.File, log logger.Logger) (*config.KinesisClientLibConfiguration, error) {
	kclConfig := config.NewKinesisClientLibConfig(opts.applicationName, opts.streamName, opts.region, opts.workerID).
		WithInitialPositionInStream(config.TRIM_HORIZON).
		WithLogger(log)

	if file != nil {
		if err := file.ApplyTo(kclConfig); err != nil {
			return nil, err
		}
	}

	if opts.workerID != "" {
		kclConfig.WorkerID = opts.workerID
	}
	if opts.kinesisEndpoint != "" {
		kclConfig.WithKinesisEndpoint(opts.kinesisEndpoint)
	}
	if opts.dynamoDBEndpoint != "" {
		kclConfig.WithDynamoDBEndpoint(opts.dynamoDBEndpoint)
	}
	if opts.failurePolicy != "" {
		kclConfig.WithFailurePolicy(config.FailurePolicy(opts.failurePolicy))
	}
	if opts.maxRetries > 0 {
		kclConfig.WithMaxProcessingRetries(opts.maxRetries)
	}

	if err := kclConfig.Validate(); err != nil {
		return nil, err
	}
	return kclConfig, nil
}

func newMonitoringService(opts *options, kclConfig *config.KinesisClientLibConfiguration, log logger.Logger) metrics.MonitoringService {
	switch opts.metrics {
	case "prometheus":
		return prometheus.NewMonitoringService(opts.metricsAddr, opts.region, log)
	case "cloudwatch":
		return cloudwatch.NewMonitoringService(opts.region, kclConfig.KinesisCredentials,
			time.Duration(kclConfig.MetricsBufferTimeMillis)*time.Millisecond, kclConfig.MetricsMaxQueueSize, log)
	default:
		return metrics.NoopMonitoringService{}
	}
}

// newLeaseBackend connects to the lease store. The returned function closes
// the connection.
func newLeaseBackend(ctx context.Context, opts *options, kclConfig *config.KinesisClientLibConfiguration, log logger.Logger) (leases.Backend, func(), error) {
	noop := func() {}

	switch opts.leaseStore {
	case "memory":
		log.Warnf("Leases are kept in memory, other workers will not see them")
		return leases.NewMemoryBackend(), noop, nil

	case "nats":
		nc, err := nats.Connect(opts.natsURL, nats.Name("kinetic-"+kclConfig.WorkerID))
		if err != nil {
			return nil, noop, fmt.Errorf("connect to nats at %s: %w", opts.natsURL, err)
		}
		js, err := jetstream.New(nc)
		if err != nil {
			nc.Close()
			return nil, noop, err
		}
		return leases.NewNATSBackend(js, kclConfig.TableName, log), func() { _ = nc.Drain() }, nil

	case "postgres":
		db, err := database.OpenPostgres(ctx, opts.postgresDSN)
		if err != nil {
			return nil, noop, fmt.Errorf("connect to postgres: %w", err)
		}
		ds := database.NewPostgresDatastore(db, kclConfig.TableName)
		return leases.NewPostgresBackend(ds, kclConfig.StreamName, log), func() { _ = db.Close() }, nil

	default:
		return leases.NewDynamoBackend(kclConfig), noop, nil
	}
}

func buildWorker(ctx context.Context, opts *options, file *config.File, log logger.Logger) (*worker.Worker, func(), error) {
	kclConfig, err := newConfig(opts, file, log)
	if err != nil {
		return nil, nil, err
	}
	kclConfig.WithMonitoringService(newMonitoringService(opts, kclConfig, log))

	backend, cleanup, err := newLeaseBackend(ctx, opts, kclConfig, log)
	if err != nil {
		return nil, nil, err
	}

	w := worker.NewWorker(newLogProcessorFactory(log), kclConfig).WithLeaseBackend(backend)
	return w, cleanup, nil
}

// serve runs w until enter is pressed, ctx is done or a shard fails with
// the halt-process policy.
func serve(ctx context.Context, w *worker.Worker, stdin io.Reader, stdout io.Writer, log logger.Logger) int {
	if err := w.Start(); err != nil {
		log.Errorf("Unable to start worker: %+v", err)
		return exitFailure
	}

	fmt.Fprintln(stdout, "Press enter to shutdown")
	enter := make(chan struct{})
	go func() {
		_, err := bufio.NewReader(stdin).ReadString('\n')
		if err == nil {
			close(enter)
			return
		}
		// without a terminal only a signal stops the worker
		if !errors.Is(err, io.EOF) {
			log.Errorf("Caught error while waiting for confirm: %+v", err)
		}
	}()

	code := exitOK
	select {
	case <-enter:
	case <-ctx.Done():
		log.Infof("Signal received, shutting down.")
	case err := <-w.Fatal():
		log.Errorf("Processing failed, shutting down: %+v", err)
		code = exitFailure
	}

	log.Infof("Waiting up to %s for shutdown to complete.", shutdownTimeout)
	result := w.ShutdownWithTimeout(shutdownTimeout)
	if !result.Graceful {
		log.Errorf("Timeout while waiting for shutdown, shards still being processed: %v", result.Pending)
	}
	log.Infof("Completed, shutting down now.")
	return code
}
