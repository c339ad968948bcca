package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/open-lambda/wdog/common"
)

type KafkaClient interface {
	PollFetches(context.Context) kgo.Fetches
	Close()
}

// TriggerKey uniquely identifies a Kafka trigger configuration
type TriggerKey string

// ComputeTriggerKey creates a deterministic key from trigger config
func ComputeTriggerKey(trigger *common.KafkaTrigger) TriggerKey {
	brokers := make([]string, len(trigger.BootstrapServers))
	copy(brokers, trigger.BootstrapServers)
	sort.Strings(brokers)

	topics := make([]string, len(trigger.Topics))
	copy(topics, trigger.Topics)
	sort.Strings(topics)

	// brokers|topics|offset_reset
	key := fmt.Sprintf("%s|%s|%s",
		strings.Join(brokers, ","),
		strings.Join(topics, ","),
		trigger.AutoOffsetReset)

	return TriggerKey(key)
}

// KafkaConsumer feeds one trigger's records to the module, one record
// per invocation.
type KafkaConsumer struct {
	triggerKey   TriggerKey
	kafkaTrigger *common.KafkaTrigger
	client       KafkaClient // kgo.Client implements KafkaClient
	dispatcher   Dispatcher
	stopChan     chan struct{}
	doneChan     chan struct{}
}

// KafkaManager owns the consumers for the triggers in wdog.yaml.
// Identical triggers share one consumer.
type KafkaManager struct {
	consumers  map[TriggerKey]*KafkaConsumer
	dispatcher Dispatcher
	mu         sync.Mutex // protects consumers
}

func NewKafkaManager(d Dispatcher) *KafkaManager {
	return &KafkaManager{
		consumers:  make(map[TriggerKey]*KafkaConsumer),
		dispatcher: d,
	}
}

func (km *KafkaManager) newKafkaConsumer(triggerKey TriggerKey, trigger *common.KafkaTrigger) (*KafkaConsumer, error) {
	if len(trigger.BootstrapServers) == 0 {
		return nil, fmt.Errorf("no bootstrap servers configured for trigger %s", triggerKey)
	}
	if len(trigger.Topics) == 0 {
		return nil, fmt.Errorf("no topics configured for trigger %s", triggerKey)
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(trigger.BootstrapServers...),
		kgo.ConsumerGroup(trigger.GroupId),
		kgo.ConsumeTopics(trigger.Topics...),
		kgo.SessionTimeout(10 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
	}

	if trigger.AutoOffsetReset == "earliest" {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	} else {
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client for trigger %s: %w", triggerKey, err)
	}

	return newConsumerWithClient(triggerKey, trigger, client, km.dispatcher), nil
}

func newConsumerWithClient(key TriggerKey, trigger *common.KafkaTrigger, client KafkaClient, d Dispatcher) *KafkaConsumer {
	return &KafkaConsumer{
		triggerKey:   key,
		kafkaTrigger: trigger,
		client:       client,
		dispatcher:   d,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
}

// StartConsuming starts the poll loop in the background
func (kc *KafkaConsumer) StartConsuming() {
	slog.Info("Starting Kafka consumer",
		"trigger_key", kc.triggerKey,
		"topics", kc.kafkaTrigger.Topics,
		"brokers", kc.kafkaTrigger.BootstrapServers,
		"group_id", kc.kafkaTrigger.GroupId)

	go kc.consumeLoop()
}

func (kc *KafkaConsumer) consumeLoop() {
	defer close(kc.doneChan)

	for {
		select {
		case <-kc.stopChan:
			slog.Info("Stopping Kafka consumer", "trigger_key", kc.triggerKey)
			return
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			fetches := kc.client.PollFetches(ctx)
			cancel()

			if errs := fetches.Errors(); len(errs) > 0 {
				for _, err := range errs {
					// franz-go reports an idle poll as DeadlineExceeded
					if errors.Is(err.Err, context.DeadlineExceeded) {
						continue
					}
					slog.Warn("Kafka fetch error",
						"trigger_key", kc.triggerKey,
						"error", err)
				}
				continue
			}

			fetches.EachRecord(func(record *kgo.Record) {
				slog.Info("Received Kafka message",
					"trigger_key", kc.triggerKey,
					"topic", record.Topic,
					"partition", record.Partition,
					"offset", record.Offset,
					"size", len(record.Value))
				kc.processMessage(record)
			})
		}
	}
}

// processMessage invokes the module with the record value as body and
// the record coordinates as args.
func (kc *KafkaConsumer) processMessage(record *kgo.Record) {
	t := common.T0("kafka-message-processing")
	defer t.T1()

	args := map[string]any{
		"topic":     record.Topic,
		"partition": record.Partition,
		"offset":    record.Offset,
		"key":       string(record.Key),
	}

	// (The X- prefix indicates a custom non-standard header)
	header := http.Header{}
	header.Set("X-Kafka-Topic", record.Topic)
	header.Set("X-Kafka-Partition", fmt.Sprintf("%d", record.Partition))
	header.Set("X-Kafka-Offset", fmt.Sprintf("%d", record.Offset))
	header.Set("X-Kafka-Group-Id", kc.kafkaTrigger.GroupId)

	status, _ := kc.dispatcher.Dispatch(args, "application/json", string(record.Value), header)

	slog.Info("Module invoked from Kafka consumer",
		"trigger_key", kc.triggerKey,
		"topic", record.Topic,
		"offset", record.Offset,
		"status", status)
}

// cleanup stops the loop and closes the kgo client
func (kc *KafkaConsumer) cleanup() {
	slog.Info("Shutting down Kafka consumer", "trigger_key", kc.triggerKey)

	close(kc.stopChan)
	if kc.client != nil {
		kc.client.Close()
	}

	slog.Info("Kafka consumer shutdown complete", "trigger_key", kc.triggerKey)
}

// RegisterKafkaTriggers starts a consumer for every distinct trigger.
// A trigger whose consumer cannot be built is logged and skipped.
func (km *KafkaManager) RegisterKafkaTriggers(triggers []common.KafkaTrigger) error {
	km.mu.Lock()
	defer km.mu.Unlock()

	for _, trigger := range triggers {
		triggerKey := ComputeTriggerKey(&trigger)
		if _, exists := km.consumers[triggerKey]; exists {
			slog.Info("Duplicate Kafka trigger ignored", "trigger_key", triggerKey)
			continue
		}

		if trigger.GroupId == "" {
			trigger.GroupId = string(triggerKey)
		}

		trigger := trigger
		consumer, err := km.newKafkaConsumer(triggerKey, &trigger)
		if err != nil {
			slog.Error("Failed to create Kafka consumer", "trigger_key", triggerKey, "error", err)
			continue
		}

		km.consumers[triggerKey] = consumer
		consumer.StartConsuming()
	}

	return nil
}

// Count reports how many consumers are running.
func (km *KafkaManager) Count() int {
	km.mu.Lock()
	defer km.mu.Unlock()
	return len(km.consumers)
}

// cleanup closes all consumers
func (km *KafkaManager) cleanup() {
	slog.Info("Shutting down Kafka manager")

	km.mu.Lock()
	defer km.mu.Unlock()

	for triggerKey, consumer := range km.consumers {
		consumer.cleanup()
		slog.Info("Cleaned up Kafka consumer", "trigger_key", triggerKey)
	}
	km.consumers = make(map[TriggerKey]*KafkaConsumer)

	slog.Info("Kafka manager shutdown complete")
}
