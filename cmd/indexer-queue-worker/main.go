// Command indexer-queue-worker consumes record change notifications from a
// queue and forwards them to the indexing service.
//
// Configuration is read from the environment, see package config. The
// process exits with 0 after a signal-driven shutdown, 3 when the pipeline
// reports a terminal health failure and 1 when it cannot start.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/slackmgr/types"
	"golang.org/x/sync/errgroup"

	"github.com/indexerqueue/worker/config"
	"github.com/indexerqueue/worker/dynamodb"
	"github.com/indexerqueue/worker/indexer"
	"github.com/indexerqueue/worker/logging"
	"github.com/indexerqueue/worker/mongodb"
	"github.com/indexerqueue/worker/pipeline"
	"github.com/indexerqueue/worker/postgres"
	"github.com/indexerqueue/worker/pubsub"
	"github.com/indexerqueue/worker/redisq"
	"github.com/indexerqueue/worker/sqs"
	"github.com/indexerqueue/worker/statusapi"
)

const (
	exitOK        = 0
	exitStartup   = 1
	exitUnhealthy = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err == nil {
		err = cfg.Validate()
	}

	if err != nil {
		logging.New().Errorf("Invalid configuration: %v", err)
		return exitStartup
	}

	logger := logging.New(
		logging.WithLevel(cfg.Log.Level),
		logging.WithFormat(cfg.Log.Format),
		logging.WithFields(map[string]any{"service": "indexer-queue-worker"}),
	)

	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := &worker{cfg: cfg, logger: logger}
	defer w.close()

	if err := w.start(ctx); err != nil {
		logger.Errorf("Failed to start: %v", err)
		return exitStartup
	}

	err = w.run(ctx)

	switch {
	case errors.Is(err, pipeline.ErrUnhealthy):
		logger.Errorf("Worker stopped: %v", err)
		return exitUnhealthy
	case err != nil:
		logger.Errorf("Worker failed: %v", err)
		return exitStartup
	}

	logger.Info("Worker stopped")

	return exitOK
}

// worker holds the components built from the configuration and the
// resources that must be released on exit.
type worker struct {
	cfg    *config.Config
	logger types.Logger

	queue   pipeline.Queue
	sink    pipeline.DeadLetterSink
	pubsub  *pubsub.Client
	service *pipeline.Service
	status  *statusapi.Server
	closers []func()
}

func (w *worker) start(ctx context.Context) error {
	if err := w.buildQueue(ctx); err != nil {
		return err
	}

	if err := w.buildSink(ctx); err != nil {
		return err
	}

	idx, err := indexer.New(w.cfg.Indexer.IndexURL, w.cfg.Indexer.ReindexURL, w.logger,
		indexer.WithRequestTimeout(w.cfg.Indexer.RequestTimeout),
	)
	if err != nil {
		return fmt.Errorf("failed to create indexer client: %w", err)
	}

	w.service, err = pipeline.NewService(w.queue, idx, w.sink, w.logger, w.cfg.PipelineOptions()...)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	if w.cfg.Status.Addr != "" {
		w.status, err = statusapi.New(w.service, w.logger, statusapi.WithAddr(w.cfg.Status.Addr))
		if err != nil {
			return fmt.Errorf("failed to create status API: %w", err)
		}
	}

	return nil
}

// run blocks until the pipeline stops. The Pub/Sub stream and the status API
// outlive the pipeline so that acks issued while draining are delivered and
// /health keeps answering until the process exits.
func (w *worker) run(ctx context.Context) error {
	auxCtx, cancelAux := context.WithCancel(context.Background())
	defer cancelAux()

	aux, auxCtx := errgroup.WithContext(auxCtx)

	if w.pubsub != nil {
		aux.Go(func() error {
			return w.pubsub.Run(auxCtx)
		})
	}

	if w.status != nil {
		aux.Go(func() error {
			return w.status.Run(auxCtx)
		})
	}

	pipelineCtx, cancelPipeline := context.WithCancel(ctx)
	defer cancelPipeline()

	go func() {
		// A failed auxiliary component stops the pipeline.
		<-auxCtx.Done()
		cancelPipeline()
	}()

	w.logger.Infof("Worker started, consuming from %s queue", w.cfg.Queue.Provider)

	runErr := w.service.Run(pipelineCtx)

	cancelAux()

	if err := aux.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		if runErr == nil {
			runErr = err
		}
	}

	return runErr
}

func (w *worker) buildQueue(ctx context.Context) error {
	q := w.cfg.Queue

	switch q.Provider {
	case config.ProviderSQS:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}

		opts := []sqs.Option{
			sqs.WithSqsVisibilityTimeout(int32(q.VisibilityTimeout.Seconds())),
		}

		if w.cfg.DeadLetter.Sink == config.SinkQueue {
			opts = append(opts, sqs.WithDeadLetterQueue(w.cfg.DeadLetter.Name))
		}

		client, err := sqs.New(&awsCfg, q.Name, w.logger, opts...).Init(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize SQS queue: %w", err)
		}

		w.queue = client

		if w.cfg.DeadLetter.Sink == config.SinkQueue {
			w.sink = client
		}
	case config.ProviderPubSub:
		gcpClient, err := gcppubsub.NewClient(ctx, q.PubSubProject)
		if err != nil {
			return fmt.Errorf("failed to create Pub/Sub client: %w", err)
		}

		w.closers = append(w.closers, func() { _ = gcpClient.Close() })

		deadLetterTopic := ""
		if w.cfg.DeadLetter.Sink == config.SinkQueue {
			deadLetterTopic = w.cfg.DeadLetter.Name
		}

		client, err := pubsub.New(gcpClient, q.PubSubSubscription, deadLetterTopic, w.logger)
		if err != nil {
			return fmt.Errorf("failed to create Pub/Sub queue: %w", err)
		}

		if _, err := client.Init(); err != nil {
			return fmt.Errorf("failed to initialize Pub/Sub queue: %w", err)
		}

		w.closers = append(w.closers, client.Close)
		w.pubsub = client
		w.queue = client

		if deadLetterTopic != "" {
			w.sink = client
		}
	case config.ProviderRedis:
		redisOpts, err := redis.ParseURL(q.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}

		redisClient := redis.NewClient(redisOpts)
		w.closers = append(w.closers, func() { _ = redisClient.Close() })

		queue, err := redisq.New(redisClient, q.Name, w.logger,
			redisq.WithVisibilityTimeout(q.VisibilityTimeout),
		).Init(ctx)
		if err != nil {
			return fmt.Errorf("failed to initialize Redis queue: %w", err)
		}

		w.queue = queue
	default:
		return fmt.Errorf("unsupported queue provider %q", q.Provider)
	}

	return nil
}

func (w *worker) buildSink(ctx context.Context) error {
	d := w.cfg.DeadLetter

	switch d.Sink {
	case config.SinkNone:
		w.logger.Info("No dead-letter sink configured, poison messages will be dropped")
	case config.SinkQueue:
		// Set up together with the queue.
	case config.SinkDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return fmt.Errorf("failed to load AWS config: %w", err)
		}

		store := dynamodb.New(&awsCfg, d.DynamoDBTable, w.logger, dynamodb.WithTimeToLive(d.TimeToLive))

		if err := store.Connect(); err != nil {
			return fmt.Errorf("failed to connect to DynamoDB: %w", err)
		}

		if err := store.Init(ctx, false); err != nil {
			return fmt.Errorf("failed to initialize DynamoDB dead-letter table: %w", err)
		}

		w.sink = store
	case config.SinkPostgres:
		store := postgres.New(
			postgres.WithHost(d.PostgresHost),
			postgres.WithPort(d.PostgresPort),
			postgres.WithUser(d.PostgresUser),
			postgres.WithPassword(d.PostgresPassword),
			postgres.WithDatabase(d.PostgresDatabase),
			postgres.WithSSLMode(postgres.SSLMode(d.PostgresSSLMode)),
			postgres.WithDeadLettersTable(d.PostgresTable),
			postgres.WithTimeToLive(d.TimeToLive),
		)

		if err := store.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to Postgres: %w", err)
		}

		w.closers = append(w.closers, func() { _ = store.Close(context.Background()) })

		if err := store.Init(ctx, false); err != nil {
			return fmt.Errorf("failed to initialize Postgres dead-letter table: %w", err)
		}

		w.sink = store
	case config.SinkMongoDB:
		store := mongodb.New(d.MongoDBURI, d.MongoDBDatabase, d.MongoDBColl, w.logger,
			mongodb.WithTimeToLive(d.TimeToLive),
		)

		if err := store.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to MongoDB: %w", err)
		}

		w.closers = append(w.closers, func() { _ = store.Close(context.Background()) })

		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("failed to initialize MongoDB dead-letter collection: %w", err)
		}

		w.sink = store
	default:
		return fmt.Errorf("unsupported dead-letter sink %q", d.Sink)
	}

	return nil
}

// close releases resources in reverse order of acquisition.
func (w *worker) close() {
	for i := len(w.closers) - 1; i >= 0; i-- {
		w.closers[i]()
	}
}
