package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	c "github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/config"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-stomp-bridge/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DBCloseCallback disconnects the client during shutdown.
type DBCloseCallback struct {
	client  *mongo.Client
	timeout time.Duration
}

func (dc *DBCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, dc.timeout)
	defer cancel()
	return dc.client.Disconnect(ctx)
}

// ConnectDatabase opens the MongoDB client described by the database section
// of the configuration and prepares the durable subscription collection.
func ConnectDatabase(config *c.Config) (*MongoStore, *DBCloseCallback, error) {
	logger.DebugF("Connecting to database...")

	operationTimeout := utils.DurationOr(config.Database.OperationTimeout, 5*time.Second)

	encodedUser := url.QueryEscape(config.Database.Username)
	encodedPass := url.QueryEscape(config.Database.Password)
	databaseUrl := fmt.Sprintf("mongodb://%s:%d/", config.Database.Host, config.Database.Port)
	if config.Database.Username != "" {
		databaseUrl = fmt.Sprintf("mongodb://%s:%s@%s:%d/?authSource=admin",
			encodedUser, encodedPass,
			config.Database.Host,
			config.Database.Port,
		)
	}

	clientOptions := options.Client().ApplyURI(databaseUrl).SetAppName(config.AppName)
	clientOptions.SetMinPoolSize(config.Database.MinPoolSize)
	clientOptions.SetMaxPoolSize(config.Database.MaxPoolSize)
	clientOptions.SetMaxConnIdleTime(utils.ParseStringTime(config.Database.ConnectIdleTimeout))
	clientOptions.SetConnectTimeout(utils.ParseStringTime(config.Database.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(config.Database.SocketTimeout))
	clientOptions.SetHeartbeatInterval(utils.DurationOr(config.Database.Heartbeat, 10*time.Second))
	if config.Database.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Database connection created: %s#%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Database connection closed: %s#%d reason=%s", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, fmt.Errorf("error occured while connecting to database: %w", err)
	}

	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("error occured while pinging database: %w", err)
	}

	collection := client.Database(config.Database.Database).Collection(DurableCollectionName)
	_, err = collection.Indexes().CreateOne(
		ctx,
		mongo.IndexModel{
			Keys:    bson.D{{Key: "client_id", Value: 1}, {Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("durable_client_name_unique"),
		},
	)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("error occured while creating database indexes: %w", err)
	}

	store := NewMongoStore(collection, operationTimeout,
		config.Database.CacheSize, utils.DurationOr(config.Database.CacheTTL, time.Hour))
	return store, &DBCloseCallback{client: client, timeout: operationTimeout}, nil
}
