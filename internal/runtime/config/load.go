package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Load reads a Config from v. Keys are dotted ("relay.retry_count") and, with
// AutomaticEnv, also resolve from upper-cased underscore variables
// ("RELAY_RETRY_COUNT"). A nil v reads from the process environment only.
func Load(v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := Config{
		PubSubSystem:       v.GetString("pubsub_system"),
		KafkaBrokers:       v.GetStringSlice("kafka.brokers"),
		KafkaConsumerGroup: v.GetString("kafka.consumer_group"),
		RabbitMQURL:        v.GetString("rabbitmq.url"),
		NATSURL:            v.GetString("nats.url"),
		HTTPServerAddress:  v.GetString("http.server_address"),
		HTTPPublisherURL:   v.GetString("http.publisher_url"),
		PoisonQueue:        v.GetString("poison_queue"),
		AWSRegion:          v.GetString("aws.region"),
		AWSAccountID:       v.GetString("aws.account_id"),
		AWSAccessKeyID:     v.GetString("aws.access_key_id"),
		AWSSecretAccessKey: v.GetString("aws.secret_access_key"),
		AWSEndpoint:        v.GetString("aws.endpoint"),
		MetricsEnabled:     v.GetBool("metrics.enabled"),
		MetricsPort:        v.GetInt("metrics.port"),
		Relay: RelayConfig{
			MonitoringAPIBaseURL:    v.GetString("relay.monitoring_api_url"),
			FunctionName:            v.GetString("relay.function_name"),
			RetryCount:              v.GetInt("relay.retry_count"),
			DeliveryCountProperty:   v.GetString("relay.delivery_count_property"),
			RequestTimeout:          v.GetDuration("relay.request_timeout"),
			BreakerFailureThreshold: v.GetInt("relay.breaker_failure_threshold"),
			BreakerOpenTimeout:      v.GetDuration("relay.breaker_open_timeout"),
		},
		Stream: StreamConfig{
			FailurePolicy: v.GetString("stream.failure_policy"),
		},
		Broker: BrokerConfig{
			Host:             v.GetString("broker.host"),
			Port:             v.GetInt("broker.port"),
			Username:         v.GetString("broker.username"),
			Password:         v.GetString("broker.password"),
			VirtualHost:      v.GetString("broker.virtual_host"),
			AutoRecovery:     v.GetBool("broker.auto_recovery"),
			RecoveryInterval: v.GetDuration("broker.recovery_interval"),
			Prefetch:         v.GetInt("broker.prefetch"),
			Queues:           v.GetStringSlice("broker.queues"),
		},
		Management: ManagementConfig{
			AppNameVar:       v.GetString("management.app_name_var"),
			OwnerNameVar:     v.GetString("management.owner_name_var"),
			ResourceGroupVar: v.GetString("management.resource_group_var"),
			BaseURL:          v.GetString("management.base_url"),
			APIVersion:       v.GetString("management.api_version"),
		},
	}

	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pubsub_system", "channel")
	v.SetDefault("poison_queue", "relay.poison")
	v.SetDefault("relay.retry_count", DefaultRetryCount)
	v.SetDefault("relay.delivery_count_property", DefaultDeliveryCountProperty)
	v.SetDefault("stream.failure_policy", "continue_and_aggregate")
	v.SetDefault("broker.port", DefaultBrokerPort)
	v.SetDefault("broker.virtual_host", DefaultBrokerVirtualHost)
	v.SetDefault("broker.auto_recovery", true)
	v.SetDefault("broker.recovery_interval", DefaultRecoveryInterval)
	v.SetDefault("broker.prefetch", DefaultBrokerPrefetch)
	v.SetDefault("management.app_name_var", DefaultAppNameVar)
	v.SetDefault("management.owner_name_var", DefaultOwnerNameVar)
	v.SetDefault("management.resource_group_var", DefaultResourceGroupVar)
	v.SetDefault("management.base_url", DefaultManagementURL)
	v.SetDefault("management.api_version", DefaultManagementAPI)
}
