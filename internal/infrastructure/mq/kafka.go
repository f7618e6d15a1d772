package mq

import (
	"log"

	"dukapay/internal/config"

	"github.com/IBM/sarama"
)

var producer sarama.SyncProducer

// InitKafka creates the sync producer used by the outbox sender.
func InitKafka(cfg *config.KafkaConfig) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Return.Successes = true

	p, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		log.Fatalf("failed to create Kafka producer: %v", err)
	}

	producer = p
	log.Println("Kafka producer ready")
}

func SendMessage(topic, key, payload string) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(payload),
	}

	_, _, err := producer.SendMessage(msg)
	return err
}

func CloseKafka() {
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Printf("failed to close Kafka producer: %v", err)
		}
	}
}
