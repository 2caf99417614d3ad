package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/freight-trips/internal/models"
)

// KafkaProducer streams accepted pings and applied transitions. Both topics
// are keyed by job and driver so one trip stays on one partition.
type KafkaProducer struct {
	pings    *kafka.Writer
	timeline *kafka.Writer
}

func NewKafkaProducer(brokers []string, pingTopic, timelineTopic string) *KafkaProducer {
	k := &KafkaProducer{
		pings: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: pingTopic, Balancer: &kafka.Hash{}}),
	}
	if timelineTopic != "" {
		k.timeline = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: timelineTopic, Balancer: &kafka.Hash{}})
	}
	return k
}

func tripKey(jobID, driverID string) []byte { return []byte(jobID + "|" + driverID) }

func (k *KafkaProducer) PublishPing(ctx context.Context, p models.LocationPing) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return k.pings.WriteMessages(ctx, kafka.Message{Key: tripKey(p.JobID, p.DriverID), Value: b})
}

func (k *KafkaProducer) PublishTimeline(ctx context.Context, ev models.TimelineEvent) error {
	if k.timeline == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.timeline.WriteMessages(ctx, kafka.Message{Key: tripKey(ev.JobID, ev.DriverID), Value: b})
}

func (k *KafkaProducer) Close() error {
	var errs []error
	for _, w := range []*kafka.Writer{k.pings, k.timeline} {
		if w != nil {
			errs = append(errs, w.Close())
		}
	}
	return errors.Join(errs...)
}
