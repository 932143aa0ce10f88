// @title StudySync API
// @version 1.0.0
// @description Synchronization and extraction API for StudyKit study companion data
// @BasePath /
// @accept json
// @produce json
// @schemes https

// @securityDefinitions.apikey Auth0
// @in header
// @name Authorization
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	muxprom "gitlab.com/msvechla/mux-prometheus/pkg/middleware"

	"github.com/studykit/studysync/api"
	"github.com/studykit/studysync/auth"
	"github.com/studykit/studysync/infrastructure"
	"github.com/studykit/studysync/usecase"
)

func main() {
	logger := log.New(os.Stdout, api.DataAPIPrefix, log.LstdFlags|log.Lshortfile)

	serverSecret := os.Getenv("API_SECRET")
	if serverSecret == "" {
		logger.Fatal("Env var API_SECRET is not provided or empty")
	}

	listenAddress := os.Getenv("LISTEN_ADDRESS")
	if listenAddress == "" {
		listenAddress = ":9127"
	}

	// AWS part configuration
	bucketName := os.Getenv("EXPORT_BUCKET")
	if bucketName == "" {
		logger.Fatal("Env var EXPORT_BUCKET is not provided or empty")
	}
	region := os.Getenv("REGION")
	if region == "" {
		region = "eu-west-1"
		logger.Println("Using default aws region: ", region)
	}

	url := os.Getenv("S3_ENDPOINT_URL")
	customResolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		if url != "" {
			logger.Println("Using custom s3 endpoint: ", url)
			return aws.Endpoint{
				PartitionID:       "aws",
				URL:               url,
				SigningRegion:     region,
				HostnameImmutable: true,
			}, nil
		}
		return aws.Endpoint{}, &aws.EndpointNotFoundError{}
	})

	awsconfig, err := config.LoadDefaultConfig(context.TODO(), config.WithEndpointResolverWithOptions(customResolver), config.WithRegion(region))
	if err != nil {
		logger.Fatal(err)
	}
	s3Client := s3.NewFromConfig(awsconfig)
	uploader, err := infrastructure.NewS3Uploader(s3Client, bucketName)
	if err != nil {
		logger.Fatal(err)
	}

	authClient, err := auth.NewClient(serverSecret)
	if err != nil {
		logger.Fatal(err)
	}

	/*
	 * Instrumentation setup
	 */
	instrumentation := muxprom.NewCustomInstrumentation(true, "studykit", "studysync", prometheus.DefBuckets, nil, prometheus.DefaultRegisterer)

	mongoAdapter := infrastructure.NewMongoAdapter(infrastructure.NewMongoConfigFromEnv(), logger)
	if err := mongoAdapter.Start(); err != nil {
		logger.Fatal(err)
	}
	defer mongoAdapter.Close()

	syncRepository := infrastructure.NewSyncMongoRepository(mongoAdapter, logger)
	if err := syncRepository.Start(); err != nil {
		logger.Fatal(err)
	}

	rtr := mux.NewRouter()
	rtr.Use(instrumentation.Middleware)
	rtr.Path("/metrics").Handler(promhttp.Handler())

	/*
	 * Sync-Api setup
	 */
	extractor := usecase.NewExtractor(logger, syncRepository)
	statsCache := usecase.NewStatsCache(logger, syncRepository, extractor)
	statsRegenerator := usecase.NewRegenerator(logger, "stats", statsCache.Regenerate)
	syncManager := usecase.NewSyncManager(logger, syncRepository, statsRegenerator)
	exporter := usecase.NewExporter(logger, syncRepository, extractor, uploader)

	syncAPI := api.InitAPI(syncManager, extractor, statsCache, exporter, syncRepository, mongoAdapter, authClient, logger)
	syncAPI.SetHandlers("", rtr)

	// ability to return compressed (gzip/deflate) responses if client accepts it,
	// download and extraction responses can get long
	gzipHandler := handlers.CompressHandler(rtr)

	server := &http.Server{
		Addr:    listenAddress,
		Handler: gzipHandler,
	}

	done := make(chan bool)
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Print(err)
		}
		statsRegenerator.Stop()
		mongoAdapter.Close()
		done <- true
	}()

	logger.Printf("listening on %s", listenAddress)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal(err)
	}

	<-done
}
