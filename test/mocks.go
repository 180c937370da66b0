package test

import (
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	tally "github.com/uber-go/tally/v4"
)

type MockedTallyCounter struct {
	Ctr    int64
	Output chan int64
}

var _ tally.Counter = (*MockedTallyCounter)(nil)

func (c *MockedTallyCounter) Inc(delta int64) {
	c.Ctr += delta
	c.Output <- c.Ctr
}

type MockedKafkaProducer struct {
	MockedReportToSend kafka.Event
	Snitch             chan *kafka.Message
	RetVal             error
}

func (p *MockedKafkaProducer) Produce(msg *kafka.Message, internal chan kafka.Event) error {
	// send the message to the outside in order to assert it.
	p.Snitch <- msg

	// send a predefined delivery report to the delivery channel.
	internal <- p.MockedReportToSend

	return p.RetVal
}

type MockedKafkaEvent struct{}

func (*MockedKafkaEvent) String() string {
	return "mock"
}

// TestLogger records log lines so tests can assert on them.
type TestLogger struct {
	mu    sync.Mutex
	Lines []string
}

func (l *TestLogger) append(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Lines = append(l.Lines, msg)
}

func (l *TestLogger) Debug(msg string) { l.append(msg) }

func (l *TestLogger) Info(msg string) { l.append(msg) }

func (l *TestLogger) Warn(msg string) { l.append(msg) }

func (l *TestLogger) Error(msg string, err error) { l.append(msg) }

// TestCounter records increments so tests can assert on them.
type TestCounter struct {
	mu  sync.Mutex
	Ctr int64
}

func (c *TestCounter) Inc(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Ctr += delta
}

func (c *TestCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Ctr
}
