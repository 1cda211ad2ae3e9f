// Package broker moves encoded records through Kafka with IBM/sarama.
package broker

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sort"

	"github.com/IBM/sarama"
)

var (
	ErrNoBrokers = errors.New("no broker addresses configured")
	ErrPublish   = errors.New("publish failed")
)

// Options holds the connection settings shared by producer and consumer.
// Setting Username enables SASL/PLAIN, the scheme Confluent Cloud uses with
// API key and secret.
type Options struct {
	Brokers  []string
	ClientID string
	Username string
	Password string
	TLS      bool
	Version  string
}

func (o Options) saramaConfig() (*sarama.Config, error) {
	if len(o.Brokers) == 0 {
		return nil, ErrNoBrokers
	}

	sc := sarama.NewConfig()
	if o.ClientID != "" {
		sc.ClientID = o.ClientID
	}
	if o.Version != "" {
		v, err := sarama.ParseKafkaVersion(o.Version)
		if err != nil {
			return nil, fmt.Errorf("kafka version %q: %w", o.Version, err)
		}
		sc.Version = v
	}

	if o.Username != "" {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.Handshake = true
		sc.Net.SASL.User = o.Username
		sc.Net.SASL.Password = o.Password
	}
	if o.TLS {
		sc.Net.TLS.Enable = true
		sc.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return sc, nil
}

// HeaderValue returns the value of a record header, or "" when absent.
func HeaderValue(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func recordHeaders(headers map[string]string) []sarama.RecordHeader {
	if len(headers) == 0 {
		return nil
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]sarama.RecordHeader, 0, len(keys))
	for _, k := range keys {
		out = append(out, sarama.RecordHeader{Key: []byte(k), Value: []byte(headers[k])})
	}
	return out
}
