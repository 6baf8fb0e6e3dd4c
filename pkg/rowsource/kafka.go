package rowsource

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/snowstream/pkg/errors"
)

// kafkaLocation is parsed from kafka://b1:9092,b2:9092/topic?partition=0&offset=oldest.
type kafkaLocation struct {
	Brokers   []string
	Topic     string
	Partition int32
	// Offset is a concrete offset or sarama.OffsetOldest / OffsetNewest.
	Offset int64
	// ClientID defaults to "snowstream".
	ClientID string
}

func parseKafkaURI(uri string) (kafkaLocation, error) {
	rest := strings.TrimPrefix(uri, "kafka://")
	hosts, path, ok := strings.Cut(rest, "/")
	topic, rawQuery, _ := strings.Cut(path, "?")
	if !ok || hosts == "" || topic == "" {
		return kafkaLocation{}, errors.Newf(errors.ErrorTypeConfig, "kafka URI must be kafka://brokers/topic (got %q)", uri)
	}
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return kafkaLocation{}, errors.Wrap(err, errors.ErrorTypeConfig, "invalid kafka URI query")
	}

	loc := kafkaLocation{
		Brokers:  strings.Split(hosts, ","),
		Topic:    topic,
		Offset:   sarama.OffsetOldest,
		ClientID: "snowstream",
	}
	if p := q.Get("partition"); p != "" {
		n, err := strconv.ParseInt(p, 10, 32)
		if err != nil || n < 0 {
			return kafkaLocation{}, errors.Newf(errors.ErrorTypeConfig, "invalid kafka partition %q", p)
		}
		loc.Partition = int32(n)
	}
	switch o := q.Get("offset"); o {
	case "", "oldest":
	case "newest":
		loc.Offset = sarama.OffsetNewest
	default:
		n, err := strconv.ParseInt(o, 10, 64)
		if err != nil || n < 0 {
			return kafkaLocation{}, errors.Newf(errors.ErrorTypeConfig, "invalid kafka offset %q", o)
		}
		loc.Offset = n
	}
	if id := q.Get("client_id"); id != "" {
		loc.ClientID = id
	}
	return loc, nil
}

func openKafka(ctx context.Context, uri string, opts Options) (Source, error) {
	loc, err := parseKafkaURI(uri)
	if err != nil {
		return nil, err
	}
	cfg := sarama.NewConfig()
	cfg.ClientID = loc.ClientID
	cfg.Consumer.Return.Errors = true
	return newKafkaSource(ctx, loc, cfg, opts)
}

// kafkaSource reads one partition from the requested offset up to the high
// water mark observed at open time, so a run always terminates.
type kafkaSource struct {
	client   sarama.Client
	consumer sarama.Consumer
	pc       sarama.PartitionConsumer
	end      int64
	done     bool
	logger   *zap.Logger
}

func newKafkaSource(_ context.Context, loc kafkaLocation, cfg *sarama.Config, opts Options) (*kafkaSource, error) {
	client, err := sarama.NewClient(loc.Brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeHTTP, "failed to connect to kafka")
	}
	end, err := client.GetOffset(loc.Topic, loc.Partition, sarama.OffsetNewest)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeHTTP, "failed to read partition high water mark")
	}
	s := &kafkaSource{client: client, end: end, logger: opts.Logger}

	start := loc.Offset
	if start == sarama.OffsetNewest {
		start = end
	}
	if start == sarama.OffsetOldest {
		if start, err = client.GetOffset(loc.Topic, loc.Partition, sarama.OffsetOldest); err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, errors.ErrorTypeHTTP, "failed to read partition start")
		}
	}
	if start >= end {
		s.done = true
		return s, nil
	}

	if s.consumer, err = sarama.NewConsumerFromClient(client); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeHTTP, "failed to create kafka consumer")
	}
	if s.pc, err = s.consumer.ConsumePartition(loc.Topic, loc.Partition, start); err != nil {
		_ = s.consumer.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeHTTP, "failed to consume partition")
	}
	s.logger.Info("consuming kafka partition",
		zap.String("topic", loc.Topic),
		zap.Int32("partition", loc.Partition),
		zap.Int64("start_offset", start),
		zap.Int64("end_offset", end))
	return s, nil
}

func (s *kafkaSource) Next(ctx context.Context) ([]byte, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case cerr, ok := <-s.pc.Errors():
			if !ok {
				return nil, io.EOF
			}
			return nil, errors.Wrap(cerr, errors.ErrorTypeHTTP, "kafka consumer failed")
		case msg, ok := <-s.pc.Messages():
			if !ok {
				return nil, io.EOF
			}
			if msg.Offset >= s.end-1 {
				s.done = true
			}
			if msg.Offset >= s.end {
				return nil, io.EOF
			}
			value := bytes.TrimSpace(msg.Value)
			if len(value) == 0 {
				if s.done {
					return nil, io.EOF
				}
				continue
			}
			return compactObject(value, int(msg.Offset))
		}
	}
}

func (s *kafkaSource) Close() error {
	var cs closers
	cs = append(cs, s.client)
	if s.consumer != nil {
		cs = append(cs, s.consumer)
	}
	if s.pc != nil {
		cs = append(cs, s.pc)
	}
	return cs.Close()
}
