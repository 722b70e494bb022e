package notify

import (
	"context"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"smartop/internal/domain"
)

// KafkaSink produces one record per event, keyed by control list so a list's
// events stay ordered within a partition.
type KafkaSink struct {
	client *kgo.Client
	topic  string
}

func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ClientID("smartop"),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: topic}, nil
}

func (*KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Send(ctx context.Context, evt domain.Event) error {
	rec, err := Record(k.topic, evt)
	if err != nil {
		return err
	}
	return k.client.ProduceSync(ctx, rec).FirstErr()
}

func (k *KafkaSink) Close() {
	k.client.Close()
}

// Record builds the Kafka record for evt.
func Record(topic string, evt domain.Event) (*kgo.Record, error) {
	data, err := Encode(evt)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(evt.ControlListID),
		Value: data,
		Headers: []kgo.RecordHeader{
			{Key: "event-type", Value: []byte(evt.Type)},
			{Key: "company-id", Value: []byte(evt.CompanyID)},
		},
	}, nil
}
