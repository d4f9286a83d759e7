package queue

import (
	"reflect"
	"strings"
	"testing"
)

func TestSplitBrokers(t *testing.T) {
	got := splitBrokers("kafka-1:9092, kafka-2:9092,,kafka-3:9092 ")
	want := []string{"kafka-1:9092", "kafka-2:9092", "kafka-3:9092"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("brokers = %v, want %v", got, want)
	}
}

func TestNewKafkaPublisherMultiBrokerAddr(t *testing.T) {
	p := NewKafkaPublisher("kafka-1:9092,kafka-2:9092", "")
	defer func() { _ = p.Close() }()
	if p.writer.Topic != "reviewpilot.events" {
		t.Fatalf("default topic = %s", p.writer.Topic)
	}
	addr := p.writer.Addr.String()
	if !strings.Contains(addr, "kafka-1:9092") || !strings.Contains(addr, "kafka-2:9092") {
		t.Fatalf("writer addr = %s, want both brokers", addr)
	}
}
