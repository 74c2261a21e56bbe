package configs

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"taskrelay/internal/domain"
)

type Config struct {
	ServerPort             string `envconfig:"SERVER_PORT" default:"8080"`
	HealthPort             string `envconfig:"HEALTH_PORT" default:"8081"`
	ServerTimeOutInSeconds int64  `envconfig:"SERVER_TIME_OUT_IN_SECONDS" default:"5"`
	// ResultBackend selects where task results are stored: memory, redis, or postgres.
	ResultBackend string `envconfig:"RESULT_BACKEND" default:"memory"`
	Worker        WorkerConfig
	Database      DatabaseConfig
	RabbitMQ      RabbitMQConfig
	RedisConfig   RedisConfig
}

type WorkerConfig struct {
	Concurrency       int           `envconfig:"WORKER_CONCURRENCY" default:"4"`
	PutGuard          bool          `envconfig:"WORKER_PUT_GUARD" default:"true"`
	SoftTimeout       time.Duration `envconfig:"WORKER_SOFT_TIMEOUT" default:"0"`
	HardTimeout       time.Duration `envconfig:"WORKER_HARD_TIMEOUT" default:"0"`
	QueueWakeupAfter  time.Duration `envconfig:"QUEUE_WAKEUP_AFTER" default:"300ms"`
	EmptyMsgEmitEvery time.Duration `envconfig:"EMPTY_MSG_EMIT_EVERY" default:"5s"`
	Logfile           string        `envconfig:"WORKER_LOGFILE"`
	Loglevel          string        `envconfig:"WORKER_LOGLEVEL" default:"info"`
}

type DatabaseConfig struct {
	Username     string `envconfig:"DB_USERNAME"`
	Password     string `envconfig:"DB_PASSWORD"`
	Host         string `envconfig:"DB_HOST"`
	Port         string `envconfig:"DB_PORT"`
	Database     string `envconfig:"DB_DATABASE"`
	SSLMode      string `envconfig:"DB_SSL_MODE" default:"require"`
	PoolMaxConns int    `envconfig:"DB_POOL_MAX_CONNS" default:"1"`
}

type RabbitMQConfig struct {
	Username            string `envconfig:"RABBIT_USERNAME"`
	Password            string `envconfig:"RABBIT_PASSWORD"`
	Host                string `envconfig:"RABBIT_HOST"`
	Port                string `envconfig:"RABBIT_PORT"`
	DefaultQueue        string `envconfig:"DEFAULT_QUEUE" default:"taskrelay"`
	DefaultExchange     string `envconfig:"DEFAULT_EXCHANGE" default:"taskrelay"`
	DefaultExchangeType string `envconfig:"DEFAULT_EXCHANGE_TYPE" default:"direct"`
	DefaultRoutingKey   string `envconfig:"DEFAULT_ROUTING_KEY"`
	ExtraQueues         string `envconfig:"EXTRA_QUEUES"`
}

type RedisConfig struct {
	Username  string        `envconfig:"REDIS_USERNAME"`
	Password  string        `envconfig:"REDIS_PASSWORD"`
	Host      string        `envconfig:"REDIS_HOST"`
	Port      string        `envconfig:"REDIS_PORT"`
	DBIndex   int32         `envconfig:"REDIS_DB_INDEX"`
	ResultTTL time.Duration `envconfig:"REDIS_RESULT_TTL" default:"24h"`
}

// ToMigrationUri returns a string specifically for the migration package with the right prefix
func (d DatabaseConfig) ToMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}

// ToDbConnectionUri returns a connection URI to be used with the pgx package
func (d DatabaseConfig) ToDbConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToRabbitConnectionUri returns a connection URI to be used with the rabbitmq/amqp091-go package
func (d RabbitMQConfig) ToRabbitConnectionUri() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
	)
}

// Queues returns the queue descriptors every worker and publisher must have
// declared before use. ExtraQueues is a comma-separated list of additional
// queue names bound to the default exchange.
func (d RabbitMQConfig) Queues() []domain.QueueDescriptor {
	queues := []domain.QueueDescriptor{
		{
			Queue:        d.DefaultQueue,
			Exchange:     d.DefaultExchange,
			ExchangeType: d.DefaultExchangeType,
			BindingKey:   d.DefaultRoutingKey,
		},
	}
	if d.ExtraQueues != "" {
		for _, name := range splitAndTrim(d.ExtraQueues) {
			queues = append(queues, domain.QueueDescriptor{
				Queue:        name,
				Exchange:     d.DefaultExchange,
				ExchangeType: d.DefaultExchangeType,
				BindingKey:   name,
			})
		}
	}
	resolved := make([]domain.QueueDescriptor, len(queues))
	for i, q := range queues {
		resolved[i] = q.Resolve()
	}
	return resolved
}

// DefaultMessageOptions returns the routing options a publisher falls back
// to when a publish call does not override them.
func (d RabbitMQConfig) DefaultMessageOptions() domain.MessageOptions {
	routingKey := d.DefaultRoutingKey
	if routingKey == "" {
		routingKey = d.DefaultExchange
	}
	return domain.MessageOptions{
		Exchange:     d.DefaultExchange,
		ExchangeType: d.DefaultExchangeType,
		RoutingKey:   routingKey,
	}
}

// ToRedisConnectionUri returns a connection URI to be used with the redis/go-redis/v9 package
func (d RedisConfig) ToRedisConnectionUri() string {
	return fmt.Sprintf("redis://%s:%s@%s:%s/%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DBIndex,
	)
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func InitConfig() *Config {
	err := godotenv.Load()

	if err != nil && !os.IsNotExist(err) {
		log.Fatalf("Unable to load .env %v", err)
	}

	var cfg Config
	err = envconfig.Process("", &cfg)
	if err != nil {
		fmt.Print("Cannot load env")
	}

	return &cfg
}
