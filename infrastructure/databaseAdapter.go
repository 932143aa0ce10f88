package infrastructure

import (
	"context"
	"log"
	"os"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const defaultMongoTimeout = 10 * time.Second

type (
	// MongoConfig holds the database connection settings
	MongoConfig struct {
		URI      string
		Database string
		Timeout  time.Duration
	}

	// MongoAdapter wraps the mongo client for the service. It owns the
	// connection lifecycle and hands out collections to repositories.
	MongoAdapter struct {
		config *MongoConfig
		client *mongo.Client
		logger *log.Logger
	}
)

// NewMongoConfigFromEnv reads the mongo settings from the environment
func NewMongoConfigFromEnv() *MongoConfig {
	config := &MongoConfig{
		URI:      os.Getenv("MONGO_CONNECTION_STRING"),
		Database: os.Getenv("MONGO_DATABASE"),
		Timeout:  defaultMongoTimeout,
	}
	if config.URI == "" {
		config.URI = "mongodb://localhost:27017"
	}
	if config.Database == "" {
		config.Database = "studysync"
	}
	if timeout := os.Getenv("MONGO_TIMEOUT"); timeout != "" {
		if parsed, err := time.ParseDuration(timeout); err == nil {
			config.Timeout = parsed
		}
	}
	return config
}

// NewMongoAdapter creates the adapter, connection happens in Start()
func NewMongoAdapter(config *MongoConfig, logger *log.Logger) *MongoAdapter {
	return &MongoAdapter{
		config: config,
		logger: logger,
	}
}

// Start connects to the database and waits for a first successful ping
func (a *MongoAdapter) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(a.config.URI))
	if err != nil {
		return err
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return err
	}
	a.client = client
	a.logger.Printf("connected to mongo database %s", a.config.Database)
	return nil
}

// Ping checks the database connection
func (a *MongoAdapter) Ping() error {
	if a.client == nil {
		return mongo.ErrClientDisconnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
	defer cancel()
	return a.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from the database
func (a *MongoAdapter) Close() error {
	if a.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
	defer cancel()
	return a.client.Disconnect(ctx)
}

// Collection returns a collection handle of the service database
func (a *MongoAdapter) Collection(name string) *mongo.Collection {
	return a.client.Database(a.config.Database).Collection(name)
}
